// Package ratelimit provides sliding-window admission control keyed by
// client identity.
//
// The limiter keeps an ordered timestamp list per identity and checks
// each request against an hourly and a daily ceiling. Windows are
// pruned on every check; a background sweep drops identities whose
// windows have emptied so memory stays bounded over time.
//
// State is process-local. Multiple service instances do not share
// windows and each enforces the limits independently.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// Config controls limiter behavior.
type Config struct {
	// MaxPerHour is the request ceiling per identity per hour.
	// Default: 50.
	MaxPerHour int

	// MaxPerDay is the request ceiling per identity per 24 hours.
	// Default: 200.
	MaxPerDay int

	// SweepInterval is how often empty windows are evicted.
	// Zero disables the background sweep. Default: 15 minutes.
	SweepInterval time.Duration

	// Now overrides the clock, for tests. Default: time.Now.
	Now func() time.Time

	// Logger receives sweep and violation logs. Default: slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns the portal's standard limits.
func DefaultConfig() Config {
	return Config{
		MaxPerHour:    50,
		MaxPerDay:     200,
		SweepInterval: 15 * time.Minute,
	}
}

// Decision is the outcome of a single admission check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Remaining is how many further requests the identity may make
	// before hitting whichever ceiling is closer.
	Remaining int

	// ResetTime is when the oldest in-hour entry leaves the window.
	ResetTime time.Time

	// RetryAfter is how long a denied client should wait before
	// retrying. Zero when Allowed; always positive otherwise.
	RetryAfter time.Duration
}

// Limiter is a sliding-window rate limiter. Create with New; the zero
// value is not usable.
type Limiter struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	windows map[string][]time.Time

	violations int64

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a Limiter and starts its sweep loop unless
// cfg.SweepInterval is zero.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.MaxPerHour <= 0 {
		cfg.MaxPerHour = def.MaxPerHour
	}
	if cfg.MaxPerDay <= 0 {
		cfg.MaxPerDay = def.MaxPerDay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	l := &Limiter{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "ratelimit"),
		windows: make(map[string][]time.Time),
		stop:    make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		go l.sweepLoop()
	}
	return l
}

// Check records and admits one request for identity, or denies it
// without recording. Safe for concurrent use.
func (l *Limiter) Check(identity string) Decision {
	now := l.cfg.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	window := pruneBefore(l.windows[identity], now.Add(-24*time.Hour))

	hourCutoff := now.Add(-time.Hour)
	hourCount := 0
	for _, ts := range window {
		if ts.After(hourCutoff) {
			hourCount++
		}
	}
	dayCount := len(window)

	if hourCount >= l.cfg.MaxPerHour || dayCount >= l.cfg.MaxPerDay {
		l.windows[identity] = window
		l.violations++
		retryAfter := l.retryAfter(window, hourCutoff, now)
		l.logger.Warn("rate limit exceeded",
			"identity", identity,
			"hour_count", hourCount,
			"day_count", dayCount,
			"retry_after", retryAfter)
		return Decision{
			Allowed:    false,
			Remaining:  0,
			ResetTime:  resetTime(window, hourCutoff, now),
			RetryAfter: retryAfter,
		}
	}

	window = append(window, now)
	l.windows[identity] = window

	remaining := l.cfg.MaxPerHour - (hourCount + 1)
	if dayRemaining := l.cfg.MaxPerDay - (dayCount + 1); dayRemaining < remaining {
		remaining = dayRemaining
	}
	return Decision{
		Allowed:   true,
		Remaining: remaining,
		ResetTime: resetTime(window, hourCutoff, now),
	}
}

// retryAfter picks the sooner of the hour and day window resets,
// floored at one second so clients never receive a zero wait.
func (l *Limiter) retryAfter(window []time.Time, hourCutoff, now time.Time) time.Duration {
	retry := 24 * time.Hour
	for _, ts := range window {
		if ts.After(hourCutoff) {
			if d := ts.Add(time.Hour).Sub(now); d < retry {
				retry = d
			}
			break
		}
	}
	if len(window) > 0 {
		if d := window[0].Add(24 * time.Hour).Sub(now); d < retry {
			retry = d
		}
	}
	if retry < time.Second {
		retry = time.Second
	}
	return retry
}

func resetTime(window []time.Time, hourCutoff, now time.Time) time.Time {
	for _, ts := range window {
		if ts.After(hourCutoff) {
			return ts.Add(time.Hour)
		}
	}
	return now.Add(time.Hour)
}

// ClearIdentity drops all recorded requests for identity.
func (l *Limiter) ClearIdentity(identity string) {
	l.mu.Lock()
	delete(l.windows, identity)
	l.mu.Unlock()
}

// Violations returns the number of denied requests since the last
// ResetMetrics.
func (l *Limiter) Violations() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.violations
}

// ResetMetrics zeroes the violation counter.
func (l *Limiter) ResetMetrics() {
	l.mu.Lock()
	l.violations = 0
	l.mu.Unlock()
}

// IdentityCount returns how many identities currently hold a window.
func (l *Limiter) IdentityCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Close stops the background sweep. The limiter remains usable.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.stop:
			return
		}
	}
}

// Sweep removes identities whose windows hold no entries newer than 24
// hours. Called periodically; exported for operational control.
func (l *Limiter) Sweep() {
	cutoff := l.cfg.Now().Add(-24 * time.Hour)

	l.mu.Lock()
	removed := 0
	for identity, window := range l.windows {
		window = pruneBefore(window, cutoff)
		if len(window) == 0 {
			delete(l.windows, identity)
			removed++
			continue
		}
		l.windows[identity] = window
	}
	l.mu.Unlock()

	if removed > 0 {
		l.logger.Debug("swept idle identities", "removed", removed)
	}
}

// pruneBefore drops leading entries at or before cutoff. Windows are
// append-only and therefore ordered.
func pruneBefore(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append([]time.Time(nil), window[i:]...)
}
