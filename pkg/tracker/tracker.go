// Package tracker stores upload state records in a TTL-capable
// key/value store with an automatic in-process fallback.
//
// The primary store is redis. The first error from any primary
// operation flips the tracker into degraded mode: the failing
// operation and every subsequent one route to an in-memory cache with
// the same TTL semantics, so callers never block on an unavailable
// primary. Degraded mode persists until the redis client signals a
// successful reconnect (wire the client's OnConnect hook to
// PrimaryReconnected).
//
// Records written to the fallback while degraded are not replayed to
// the primary on recovery. Tracked state is advisory pipeline
// bookkeeping with short TTLs; losing it costs progress visibility,
// not data.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// ErrKeyNotFound is returned by KV implementations for missing keys.
var ErrKeyNotFound = errors.New("tracker: key not found")

// ErrInvalidID is returned for empty upload identifiers. Identifier
// misuse is a programming error and never routes to the fallback.
var ErrInvalidID = errors.New("tracker: invalid upload id")

// ErrNilRecord is returned when a nil record or patch is supplied.
var ErrNilRecord = errors.New("tracker: nil record")

// KV is the primary store contract: string values with per-key TTLs.
type KV interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key with the given TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// TTL returns the remaining TTL for key. Non-positive values mean
	// the key is missing or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Keys returns all keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Config controls tracker behavior.
type Config struct {
	// TTL is the default record lifetime. Default: 24 hours.
	TTL time.Duration

	// KeyPrefix namespaces tracker keys in the primary store.
	// Default: "upload:".
	KeyPrefix string

	// Logger receives degrade/recover and decode-failure logs.
	// Default: slog.Default.
	Logger *slog.Logger

	// Now overrides the clock, for tests. Default: time.Now.
	Now func() time.Time
}

// Tracker is the upload record store. Create with New.
type Tracker struct {
	primary  KV
	fallback *cache.Cache
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	degraded bool
}

// New creates a Tracker over the given primary store.
func New(primary KV, cfg Config) *Tracker {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "upload:"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		primary:  primary,
		fallback: cache.New(cfg.TTL, 5*time.Minute),
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "tracker"),
	}
}

// Set stores rec under id with the given TTL (zero means the default).
// CreatedAt is stamped if unset; UpdatedAt is always stamped.
func (t *Tracker) Set(ctx context.Context, id string, rec *UploadRecord, ttl time.Duration) error {
	if id == "" {
		return ErrInvalidID
	}
	if rec == nil {
		return ErrNilRecord
	}
	if ttl <= 0 {
		ttl = t.cfg.TTL
	}

	now := t.cfg.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("tracker: serialize record %s: %w", id, err)
	}
	return t.setRaw(ctx, id, string(raw), ttl)
}

// Get returns the record for id, or nil when it is missing or cannot
// be decoded. Store unavailability is absorbed by the fallback, never
// surfaced.
func (t *Tracker) Get(ctx context.Context, id string) (*UploadRecord, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	raw, found := t.getRaw(ctx, id)
	if !found {
		return nil, nil
	}

	var rec UploadRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.logger.Warn("discarding undecodable record", "upload_id", id, "error", err)
		return nil, nil
	}
	return &rec, nil
}

// Update merges patch into the stored record for id, stamps UpdatedAt,
// and re-persists with the remaining TTL of the original key so the
// record's expiry survives the update. Returns false when no record
// exists.
func (t *Tracker) Update(ctx context.Context, id string, patch map[string]any) (bool, error) {
	if id == "" {
		return false, ErrInvalidID
	}
	if patch == nil {
		return false, ErrNilRecord
	}

	raw, found := t.getRaw(ctx, id)
	if !found {
		return false, nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		t.logger.Warn("discarding undecodable record", "upload_id", id, "error", err)
		return false, nil
	}
	for k, v := range patch {
		fields[k] = v
	}
	fields["updatedAt"] = t.cfg.Now().Format(time.RFC3339Nano)

	merged, err := json.Marshal(fields)
	if err != nil {
		return false, fmt.Errorf("tracker: serialize record %s: %w", id, err)
	}

	ttl := t.remainingTTL(ctx, id)
	if err := t.setRaw(ctx, id, string(merged), ttl); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the record for id and reports whether it existed.
func (t *Tracker) Delete(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrInvalidID
	}
	key := t.key(id)

	if !t.isDegraded() {
		existed, err := t.primary.Delete(ctx, key)
		if err == nil {
			t.fallback.Delete(key)
			return existed, nil
		}
		t.degrade("delete", err)
	}

	_, existed := t.fallback.Get(key)
	t.fallback.Delete(key)
	return existed, nil
}

// Exists reports whether a record exists for id.
func (t *Tracker) Exists(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrInvalidID
	}
	key := t.key(id)

	if !t.isDegraded() {
		found, err := t.primary.Exists(ctx, key)
		if err == nil {
			return found, nil
		}
		t.degrade("exists", err)
	}

	_, found := t.fallback.Get(key)
	return found, nil
}

// List returns up to limit records. Order is unspecified. Records that
// fail to decode are skipped.
func (t *Tracker) List(ctx context.Context, limit int) ([]*UploadRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	var raws []string
	if !t.isDegraded() {
		keys, err := t.primary.Keys(ctx, t.cfg.KeyPrefix)
		if err != nil {
			t.degrade("list", err)
		} else {
			for _, key := range keys {
				if len(raws) >= limit {
					break
				}
				raw, err := t.primary.Get(ctx, key)
				if errors.Is(err, ErrKeyNotFound) {
					continue
				}
				if err != nil {
					t.degrade("list", err)
					break
				}
				raws = append(raws, raw)
			}
		}
	}

	if t.isDegraded() {
		raws = raws[:0]
		for key, item := range t.fallback.Items() {
			if len(raws) >= limit {
				break
			}
			if !strings.HasPrefix(key, t.cfg.KeyPrefix) {
				continue
			}
			if raw, ok := item.Object.(string); ok {
				raws = append(raws, raw)
			}
		}
	}

	records := make([]*UploadRecord, 0, len(raws))
	for _, raw := range raws {
		var rec UploadRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		records = append(records, &rec)
	}
	return records, nil
}

// Degraded reports whether operations currently route to the fallback.
func (t *Tracker) Degraded() bool {
	return t.isDegraded()
}

// FallbackSize returns the number of entries held by the in-memory
// fallback, for the metrics surface.
func (t *Tracker) FallbackSize() int {
	return t.fallback.ItemCount()
}

// PrimaryReconnected restores primary routing. Wire this to the redis
// client's OnConnect hook so recovery follows the connection lifecycle.
func (t *Tracker) PrimaryReconnected() {
	t.mu.Lock()
	was := t.degraded
	t.degraded = false
	t.mu.Unlock()
	if was {
		t.logger.Info("primary store restored, leaving degraded mode")
	}
}

func (t *Tracker) key(id string) string {
	return t.cfg.KeyPrefix + id
}

func (t *Tracker) isDegraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.degraded
}

func (t *Tracker) degrade(op string, err error) {
	t.mu.Lock()
	was := t.degraded
	t.degraded = true
	t.mu.Unlock()
	if !was {
		t.logger.Warn("primary store unavailable, entering degraded mode",
			"operation", op, "error", err)
	}
}

func (t *Tracker) setRaw(ctx context.Context, id, raw string, ttl time.Duration) error {
	key := t.key(id)
	if !t.isDegraded() {
		err := t.primary.Set(ctx, key, raw, ttl)
		if err == nil {
			return nil
		}
		t.degrade("set", err)
	}
	t.fallback.Set(key, raw, ttl)
	return nil
}

func (t *Tracker) getRaw(ctx context.Context, id string) (string, bool) {
	key := t.key(id)
	if !t.isDegraded() {
		raw, err := t.primary.Get(ctx, key)
		if err == nil {
			return raw, true
		}
		if errors.Is(err, ErrKeyNotFound) {
			return "", false
		}
		t.degrade("get", err)
	}

	val, found := t.fallback.Get(key)
	if !found {
		return "", false
	}
	raw, ok := val.(string)
	return raw, ok
}

// remainingTTL queries the primary for the key's remaining lifetime,
// defaulting to the configured TTL when degraded or when the primary
// reports no expiry.
func (t *Tracker) remainingTTL(ctx context.Context, id string) time.Duration {
	if t.isDegraded() {
		return t.cfg.TTL
	}
	ttl, err := t.primary.TTL(ctx, t.key(id))
	if err != nil {
		t.degrade("ttl", err)
		return t.cfg.TTL
	}
	if ttl <= 0 {
		return t.cfg.TTL
	}
	return ttl
}
