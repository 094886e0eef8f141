package transfer

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConcurrencyConflict marks a callback rejected because another
// process() run already holds the upload. Callers may retry once the
// active run settles.
var ErrConcurrencyConflict = errors.New("transfer: upload already being processed")

// ErrDeadlineExceeded marks a pipeline run cut off by the per-upload
// deadline.
var ErrDeadlineExceeded = errors.New("transfer: processing deadline exceeded")

// ValidationError reports a malformed callback payload. Never retried.
type ValidationError struct {
	UploadID string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.UploadID == "" {
		return fmt.Sprintf("transfer: invalid callback: %s", e.Reason)
	}
	return fmt.Sprintf("transfer: invalid callback for upload %s: %s", e.UploadID, e.Reason)
}

// ConflictError carries the upload identity of a single-flight
// rejection. errors.Is(err, ErrConcurrencyConflict) matches it.
type ConflictError struct {
	UploadID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("transfer: upload %s is already being processed", e.UploadID)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrencyConflict }

// TransientError wraps an infrastructure failure that a caller-level
// retry policy may act on: the scan callback can be redelivered.
type TransientError struct {
	UploadID string
	Stage    string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transfer: transient failure for upload %s at %s: %v", e.UploadID, e.Stage, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// transientFragments are error-message substrings recognized as
// transient infrastructure issues rather than terminal failures.
var transientFragments = []string{
	"connection reset",
	"insufficient quota",
	"network",
	"quota",
}

// isTransientMessage reports whether msg looks like a transient
// infrastructure failure.
func isTransientMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, frag := range transientFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}
