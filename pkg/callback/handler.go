package callback

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/civicforms/uploadgate/pkg/ratelimit"
	"github.com/civicforms/uploadgate/pkg/secscan"
	"github.com/civicforms/uploadgate/pkg/tracker"
	"github.com/civicforms/uploadgate/pkg/transfer"
)

// Config wires the HTTP surface to the pipeline components.
type Config struct {
	// Auth verifies callback credentials. Required.
	Auth *Authenticator

	// Orchestrator executes the transfer pipeline. Required.
	Orchestrator *transfer.Orchestrator

	// Validator screens admission requests and supplies the security
	// counters for the health surface.
	Validator *secscan.Validator

	// Limiter gates admission checks per client identity.
	Limiter *ratelimit.Limiter

	// AllowedMIMETypes is the admission allow-list. Empty uses the
	// validator's defaults.
	AllowedMIMETypes []string

	// MaxFileSize is the admission size ceiling in bytes. Zero uses
	// the validator's default.
	MaxFileSize int64

	// Tracker supplies degraded-mode state for the health surface.
	Tracker *tracker.Tracker

	// Observer, when set, receives one observation per processed
	// callback.
	Observer Observer

	// Logger receives request logs. Default: slog.Default.
	Logger *slog.Logger
}

// Observer records pipeline events for instrumentation.
// *metrics.Metrics satisfies it.
type Observer interface {
	ObserveCallback(status string, duration time.Duration, err error)
	RecordValidation(level string)
	RecordRateLimitDenial()
}

// Handler is the service's HTTP surface: the scan-complete callback,
// the health and metrics endpoints, and the per-upload progress feed.
type Handler struct {
	cfg    Config
	logger *slog.Logger
	router chi.Router
}

// NewHandler builds the HTTP handler over the given components.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &Handler{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "http"),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Post("/internal/scan-callback", h.handleScanCallback)
	r.Post("/internal/admission-check", h.handleAdmissionCheck)
	r.Get("/healthz", h.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/uploads/{uploadID}/progress", h.handleProgressFeed)

	h.router = r
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// callbackRequest is the wire body of a scan-complete callback: the
// payload plus the sanitizable form data captured at submission.
type callbackRequest struct {
	transfer.CallbackPayload
	FormData map[string]string `json:"formData,omitempty"`
}

// handleScanCallback authenticates and dispatches one scan-complete
// callback. Authentication failures reject before the body is read.
func (h *Handler) handleScanCallback(w http.ResponseWriter, r *http.Request) {
	// The upload id lives in the body, which stays unread until the
	// caller is authenticated.
	if !h.cfg.Auth.Verify(r.Header, "") {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "unauthorized",
		})
		return
	}

	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid callback body",
		})
		return
	}

	start := time.Now()
	res, err := h.cfg.Orchestrator.Process(r.Context(), req.CallbackPayload, req.FormData)
	if h.cfg.Observer != nil {
		h.cfg.Observer.ObserveCallback(req.Status, time.Since(start), err)
	}
	if err != nil {
		h.writeProcessError(w, req.UploadID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeProcessError maps pipeline errors onto HTTP statuses. Transient
// failures get a Retry-After so the scanner redelivers.
func (h *Handler) writeProcessError(w http.ResponseWriter, uploadID string, err error) {
	var (
		verr *transfer.ValidationError
		terr *transfer.TransientError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": verr.Reason,
		})

	case errors.Is(err, transfer.ErrConcurrencyConflict):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "upload is already being processed",
		})

	case errors.As(err, &terr):
		w.Header().Set("Retry-After", "30")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "transient failure, retry later",
		})

	case errors.Is(err, transfer.ErrDeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{
			"error": "processing deadline exceeded",
		})

	default:
		h.logger.Error("callback processing failed",
			"upload_id", uploadID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal error",
		})
	}
}

// healthResponse is the aggregate counter surface for operators.
type healthResponse struct {
	Status                   string    `json:"status"`
	TotalUploads             int64     `json:"totalUploads"`
	RejectedUploads          int64     `json:"rejectedUploads"`
	RateLimitViolations      int64     `json:"rateLimitViolations"`
	MIMETypeSpoofing         int64     `json:"mimeTypeSpoofing"`
	MaliciousContentDetected int64     `json:"maliciousContentDetected"`
	ActiveProcesses          int       `json:"activeProcesses"`
	FallbackStoreSize        int       `json:"fallbackStoreSize"`
	RejectionRate            float64   `json:"rejectionRate"`
	Time                     time.Time `json:"time"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Time:   time.Now().UTC(),
	}
	if h.cfg.Validator != nil {
		stats := h.cfg.Validator.Metrics()
		resp.TotalUploads = stats.TotalUploads
		resp.RejectedUploads = stats.RejectedUploads
		resp.RateLimitViolations = stats.RateLimitViolations
		resp.MIMETypeSpoofing = stats.MIMETypeSpoofing
		resp.MaliciousContentDetected = stats.MaliciousContent
		resp.RejectionRate = stats.RejectionRate()
	}
	if h.cfg.Orchestrator != nil {
		resp.ActiveProcesses = h.cfg.Orchestrator.ActiveCount()
	}
	if h.cfg.Tracker != nil {
		resp.FallbackStoreSize = h.cfg.Tracker.FallbackSize()
		if h.cfg.Tracker.Degraded() {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
