package metrics_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/civicforms/uploadgate/internal/metrics"
	"github.com/civicforms/uploadgate/pkg/transfer"
)

func gatherNames(t *testing.T, reg *prometheus.Registry) map[string]bool {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, fam := range families {
		names[fam.GetName()] = true
	}
	return names
}

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.Sources{
		ActiveProcesses: func() int { return 2 },
		FallbackSize:    func() int { return 5 },
		Degraded:        func() bool { return true },
	}, metrics.WithRegistry(reg))

	m.ObserveCallback("completed", 120*time.Millisecond, nil)
	m.RecordValidation("safe")
	m.RecordRateLimitDenial()

	names := gatherNames(t, reg)
	for _, want := range []string{
		"uploadgate_callbacks_total",
		"uploadgate_callback_duration_seconds",
		"uploadgate_validations_total",
		"uploadgate_rate_limit_denials_total",
		"uploadgate_active_processes",
		"uploadgate_tracker_fallback_entries",
		"uploadgate_tracker_degraded",
	} {
		if !names[want] {
			t.Errorf("expected %s to be registered", want)
		}
	}
}

func TestNew_NilSourcesSkipGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.Sources{}, metrics.WithRegistry(reg))
	m.RecordValidation("safe")

	names := gatherNames(t, reg)
	for _, absent := range []string{
		"uploadgate_active_processes",
		"uploadgate_tracker_fallback_entries",
		"uploadgate_tracker_degraded",
	} {
		if names[absent] {
			t.Errorf("expected %s to be absent without a source", absent)
		}
	}
}

func TestObserveCallback_ErrorCategories(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.Sources{}, metrics.WithRegistry(reg))

	m.ObserveCallback("completed", time.Millisecond, transfer.ErrDeadlineExceeded)
	m.ObserveCallback("completed", time.Millisecond, transfer.ErrConcurrencyConflict)
	m.ObserveCallback("completed", time.Millisecond, &transfer.ValidationError{UploadID: "u1", Reason: "bad"})
	m.ObserveCallback("failed", time.Millisecond, &transfer.TransientError{UploadID: "u1", Stage: "scan", Err: errors.New("reset")})
	m.ObserveCallback("failed", time.Millisecond, errors.New("boom"))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	categories := make(map[string]float64)
	for _, fam := range families {
		if fam.GetName() != "uploadgate_callback_errors_total" {
			continue
		}
		for _, metric := range fam.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "category" {
					categories[label.GetValue()] = metric.GetCounter().GetValue()
				}
			}
		}
	}

	for _, want := range []string{"timeout", "conflict", "validation", "transient", "internal"} {
		if categories[want] != 1 {
			t.Errorf("expected 1 error in category %q, got %v", want, categories[want])
		}
	}
}

func TestWithNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.Sources{},
		metrics.WithRegistry(reg),
		metrics.WithNamespace("portal"),
		metrics.WithSubsystem("uploads"),
	)
	m.RecordRateLimitDenial()

	names := gatherNames(t, reg)
	if !names["portal_uploads_rate_limit_denials_total"] {
		t.Error("expected namespaced metric to be registered")
	}
}
