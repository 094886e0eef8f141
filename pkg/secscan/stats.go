package secscan

import (
	"sync"
	"time"
)

// Stats is a snapshot of the validator's incident counters.
type Stats struct {
	TotalUploads        int64
	RejectedUploads     int64
	SuspiciousFiles     int64
	MIMETypeSpoofing    int64
	MaliciousContent    int64
	RateLimitViolations int64
	LastIncident        time.Time
}

// RejectionRate returns rejected/total, or 0 when nothing was seen.
func (s Stats) RejectionRate() float64 {
	if s.TotalUploads == 0 {
		return 0
	}
	return float64(s.RejectedUploads) / float64(s.TotalUploads)
}

// statSet is the validator's shared mutable state. All access goes
// through the mutex; validation itself stays lock-free.
type statSet struct {
	mu    sync.Mutex
	stats Stats
}

func (s *statSet) recordUpload() {
	s.mu.Lock()
	s.stats.TotalUploads++
	s.mu.Unlock()
}

func (s *statSet) recordRejection() {
	s.mu.Lock()
	s.stats.RejectedUploads++
	s.stats.LastIncident = time.Now()
	s.mu.Unlock()
}

func (s *statSet) recordSuspicious() {
	s.mu.Lock()
	s.stats.SuspiciousFiles++
	s.stats.LastIncident = time.Now()
	s.mu.Unlock()
}

func (s *statSet) recordSpoofing() {
	s.mu.Lock()
	s.stats.MIMETypeSpoofing++
	s.stats.LastIncident = time.Now()
	s.mu.Unlock()
}

func (s *statSet) recordMalicious() {
	s.mu.Lock()
	s.stats.MaliciousContent++
	s.stats.LastIncident = time.Now()
	s.mu.Unlock()
}

func (s *statSet) recordRateLimit() {
	s.mu.Lock()
	s.stats.RateLimitViolations++
	s.stats.LastIncident = time.Now()
	s.mu.Unlock()
}

// Metrics returns a snapshot of the incident counters.
func (v *Validator) Metrics() Stats {
	v.stats.mu.Lock()
	defer v.stats.mu.Unlock()
	return v.stats.stats
}

// ResetMetrics zeroes all incident counters.
func (v *Validator) ResetMetrics() {
	v.stats.mu.Lock()
	v.stats.stats = Stats{}
	v.stats.mu.Unlock()
}

// RecordRateLimitViolation counts a rate-limited request against the
// incident totals. Called by the admission layer when the limiter
// denies a client.
func (v *Validator) RecordRateLimitViolation() {
	v.stats.recordRateLimit()
}
