package callback

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/civicforms/uploadgate/pkg/secscan"
)

// admissionRequest asks whether a submission may proceed to storage.
// The portal's upload route calls this before staging any bytes.
type admissionRequest struct {
	ClientID    string `json:"clientId"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`

	// Content carries the file bytes (base64 on the wire) when the
	// caller wants deep content inspection; header-only checks run
	// without it.
	Content []byte `json:"content,omitempty"`
}

// admissionResponse reports the rate-limit and validation outcome.
type admissionResponse struct {
	Allowed    bool            `json:"allowed"`
	Remaining  int             `json:"remaining"`
	ResetTime  time.Time       `json:"resetTime"`
	Validation *secscan.Result `json:"validation,omitempty"`
}

// handleAdmissionCheck screens one submission through the rate limiter
// and the content validator. Rate limiting runs first so denied
// clients cost no validation work.
func (h *Handler) handleAdmissionCheck(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.Auth.Verify(r.Header, "") {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "unauthorized",
		})
		return
	}

	// Base64 inflates the content field by a third; twice the file
	// ceiling covers the encoding plus the JSON envelope.
	if h.cfg.MaxFileSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxFileSize*2)
	}

	var req admissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error": "admission body too large",
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid admission body",
		})
		return
	}
	if req.ClientID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "clientId is required",
		})
		return
	}

	decision := h.cfg.Limiter.Check(req.ClientID)
	if !decision.Allowed {
		if h.cfg.Validator != nil {
			h.cfg.Validator.RecordRateLimitViolation()
		}
		if h.cfg.Observer != nil {
			h.cfg.Observer.RecordRateLimitDenial()
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, admissionResponse{
			Allowed:   false,
			Remaining: 0,
			ResetTime: decision.ResetTime,
		})
		return
	}

	result := h.cfg.Validator.Validate(secscan.File{
		Name:        req.Filename,
		ContentType: req.ContentType,
		Size:        req.Size,
		Content:     req.Content,
	}, secscan.Options{
		AllowedMIMETypes: h.cfg.AllowedMIMETypes,
		MaxSize:          h.cfg.MaxFileSize,
		ClientID:         req.ClientID,
	})
	if h.cfg.Observer != nil {
		h.cfg.Observer.RecordValidation(string(result.Level))
	}

	resp := admissionResponse{
		Allowed:    result.Valid,
		Remaining:  decision.Remaining,
		ResetTime:  decision.ResetTime,
		Validation: result,
	}
	if !result.Valid {
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
