package callback

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// Authenticator verifies that a scan-complete callback carries the
// shared secret agreed with the scanning service. Create with
// NewAuthenticator.
type Authenticator struct {
	secret []byte
	logger *slog.Logger
}

// NewAuthenticator creates an Authenticator for the given shared
// secret. An empty secret leaves the authenticator unconfigured; Verify
// then rejects everything.
func NewAuthenticator(secret string, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		secret: []byte(secret),
		logger: logger.With("component", "callback-auth"),
	}
}

// Verify checks the callback credentials in header. It accepts either
// an "Authorization: Bearer <secret>" header or an "X-Api-Key" header.
// Missing credentials and an unconfigured secret are logged and
// rejected, never raised. The comparison is constant-time; a length
// mismatch short-circuits to false without comparing bytes.
func (a *Authenticator) Verify(header http.Header, uploadID string) bool {
	if len(a.secret) == 0 {
		a.logger.Error("callback secret is not configured; rejecting callback",
			"upload_id", uploadID)
		return false
	}

	presented, ok := extractCredential(header)
	if !ok {
		a.logger.Warn("callback without credentials rejected",
			"upload_id", uploadID)
		return false
	}

	if len(presented) != len(a.secret) {
		a.logger.Warn("callback with invalid credentials rejected",
			"upload_id", uploadID)
		return false
	}
	if subtle.ConstantTimeCompare([]byte(presented), a.secret) != 1 {
		a.logger.Warn("callback with invalid credentials rejected",
			"upload_id", uploadID)
		return false
	}
	return true
}

// extractCredential pulls the secret out of the request headers.
// Bearer wins over X-Api-Key when both are present.
func extractCredential(header http.Header) (string, bool) {
	if authz := header.Get("Authorization"); authz != "" {
		token, found := strings.CutPrefix(authz, "Bearer ")
		if found && token != "" {
			return token, true
		}
		return "", false
	}
	if key := header.Get("X-Api-Key"); key != "" {
		return key, true
	}
	return "", false
}
