package transfer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/civicforms/uploadgate/pkg/transfer"
)

func TestRetryDo_SucceedsFirstAttempt(t *testing.T) {
	policy := transfer.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond}

	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryDo_RetriesThenSucceeds(t *testing.T) {
	policy := transfer.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("network unreachable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryDo_Exhausted(t *testing.T) {
	policy := transfer.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

	boom := errors.New("connection reset")
	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected final attempt's error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryDo_ContextCanceledDuringBackoff(t *testing.T) {
	policy := transfer.RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := policy.Do(ctx, func() error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestRetryPolicy_Defaults(t *testing.T) {
	policy := transfer.DefaultRetryPolicy()
	if policy.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", policy.MaxAttempts)
	}
	if policy.InitialBackoff != time.Second {
		t.Errorf("expected 1s initial backoff, got %v", policy.InitialBackoff)
	}
	if policy.MaxBackoff != 10*time.Second {
		t.Errorf("expected 10s backoff cap, got %v", policy.MaxBackoff)
	}
}
