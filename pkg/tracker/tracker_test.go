package tracker_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/civicforms/uploadgate/pkg/tracker"
)

// memKV is an in-memory KV with a failure switch, standing in for
// redis in tests.
type memKV struct {
	mu      sync.Mutex
	entries map[string]memEntry
	failing bool
	ops     int
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

var errKVDown = errors.New("connection refused")

func newMemKV() *memKV {
	return &memKV{entries: make(map[string]memEntry)}
}

func (m *memKV) fail(on bool) {
	m.mu.Lock()
	m.failing = on
	m.mu.Unlock()
}

func (m *memKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++
	if m.failing {
		return "", errKVDown
	}
	e, ok := m.entries[key]
	if !ok || (!e.expiresAt.IsZero() && time.Now().After(e.expiresAt)) {
		return "", tracker.ErrKeyNotFound
	}
	return e.value, nil
}

func (m *memKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++
	if m.failing {
		return errKVDown
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	m.entries[key] = memEntry{value: value, expiresAt: exp}
	return nil
}

func (m *memKV) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++
	if m.failing {
		return false, errKVDown
	}
	_, ok := m.entries[key]
	delete(m.entries, key)
	return ok, nil
}

func (m *memKV) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++
	if m.failing {
		return false, errKVDown
	}
	_, ok := m.entries[key]
	return ok, nil
}

func (m *memKV) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++
	if m.failing {
		return 0, errKVDown
	}
	e, ok := m.entries[key]
	if !ok || e.expiresAt.IsZero() {
		return 0, nil
	}
	return time.Until(e.expiresAt), nil
}

func (m *memKV) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++
	if m.failing {
		return nil, errKVDown
	}
	var keys []string
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memKV) setRaw(key, value string) {
	m.mu.Lock()
	m.entries[key] = memEntry{value: value}
	m.mu.Unlock()
}

func newTestTracker(t *testing.T) (*tracker.Tracker, *memKV) {
	t.Helper()
	kv := newMemKV()
	return tracker.New(kv, tracker.Config{TTL: time.Hour}), kv
}

func record(id string) *tracker.UploadRecord {
	return &tracker.UploadRecord{
		UploadID:        id,
		Filename:        "submission.xlsx",
		ContentType:     "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		Size:            2048,
		Status:          tracker.StatusInitializing,
		VirusScanStatus: tracker.ScanPending,
		StagingKey:      "staging/" + id,
	}
}

func TestSetGet_PrimaryLive(t *testing.T) {
	trk, _ := newTestTracker(t)
	ctx := context.Background()

	if err := trk.Set(ctx, "u1", record("u1"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	got, err := trk.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected record")
	}
	if got.Filename != "submission.xlsx" {
		t.Errorf("expected filename submission.xlsx, got %s", got.Filename)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be stamped")
	}
	if trk.Degraded() {
		t.Error("tracker should not be degraded")
	}
}

func TestSetGet_FallbackWhenPrimaryDown(t *testing.T) {
	trk, kv := newTestTracker(t)
	ctx := context.Background()

	kv.fail(true)
	if err := trk.Set(ctx, "u1", record("u1"), 0); err != nil {
		t.Fatalf("set must not surface primary failure: %v", err)
	}
	if !trk.Degraded() {
		t.Fatal("expected degraded mode after primary failure")
	}

	got, err := trk.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil || got.UploadID != "u1" {
		t.Fatalf("expected record from fallback, got %+v", got)
	}
	if trk.FallbackSize() == 0 {
		t.Error("expected fallback to hold the record")
	}
}

func TestDegradedMode_StickyUntilReconnect(t *testing.T) {
	trk, kv := newTestTracker(t)
	ctx := context.Background()

	kv.fail(true)
	trk.Set(ctx, "u1", record("u1"), 0)

	// Primary is healthy again, but without the reconnect signal the
	// tracker must keep routing to the fallback.
	kv.fail(false)
	before := kv.ops
	trk.Set(ctx, "u2", record("u2"), 0)
	trk.Get(ctx, "u2")
	if kv.ops != before {
		t.Error("degraded tracker must not touch the primary")
	}

	trk.PrimaryReconnected()
	if trk.Degraded() {
		t.Fatal("expected primary routing after reconnect signal")
	}
	if err := trk.Set(ctx, "u3", record("u3"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if kv.ops == before {
		t.Error("expected primary to be used after reconnect")
	}
}

func TestGet_Missing(t *testing.T) {
	trk, _ := newTestTracker(t)

	got, err := trk.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing record, got %+v", got)
	}
}

func TestGet_UndecodableReturnsNil(t *testing.T) {
	trk, kv := newTestTracker(t)
	kv.setRaw("upload:bad", "{not json")

	got, err := trk.Get(context.Background(), "bad")
	if err != nil {
		t.Fatalf("unmarshal failures must not error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for undecodable record, got %+v", got)
	}
}

func TestInvalidArguments(t *testing.T) {
	trk, _ := newTestTracker(t)
	ctx := context.Background()

	if err := trk.Set(ctx, "", record("x"), 0); !errors.Is(err, tracker.ErrInvalidID) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
	if err := trk.Set(ctx, "u1", nil, 0); !errors.Is(err, tracker.ErrNilRecord) {
		t.Errorf("expected ErrNilRecord, got %v", err)
	}
	if _, err := trk.Get(ctx, ""); !errors.Is(err, tracker.ErrInvalidID) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
	if _, err := trk.Update(ctx, "u1", nil); !errors.Is(err, tracker.ErrNilRecord) {
		t.Errorf("expected ErrNilRecord, got %v", err)
	}
}

func TestUpdate_MergesFields(t *testing.T) {
	trk, _ := newTestTracker(t)
	ctx := context.Background()

	trk.Set(ctx, "u1", record("u1"), 0)

	ok, err := trk.Update(ctx, "u1", map[string]any{
		"status":     string(tracker.StatusTransferring),
		"durableUrl": "https://blobs.example.gov/u1",
	})
	if err != nil || !ok {
		t.Fatalf("update failed: ok=%v err=%v", ok, err)
	}

	got, _ := trk.Get(ctx, "u1")
	if got.Status != tracker.StatusTransferring {
		t.Errorf("expected status transferring, got %s", got.Status)
	}
	if got.DurableURL != "https://blobs.example.gov/u1" {
		t.Errorf("expected durable url, got %s", got.DurableURL)
	}
	// Untouched fields survive the merge.
	if got.Filename != "submission.xlsx" {
		t.Errorf("merge clobbered filename: %s", got.Filename)
	}
}

func TestUpdate_DisjointPatchesAssociative(t *testing.T) {
	ctx := context.Background()
	patchA := map[string]any{"status": string(tracker.StatusCompleted)}
	patchB := map[string]any{"durableUrl": "https://blobs.example.gov/u1"}

	apply := func(first, second map[string]any) *tracker.UploadRecord {
		trk, _ := newTestTracker(t)
		trk.Set(ctx, "u1", record("u1"), 0)
		trk.Update(ctx, "u1", first)
		trk.Update(ctx, "u1", second)
		rec, _ := trk.Get(ctx, "u1")
		return rec
	}

	ab := apply(patchA, patchB)
	ba := apply(patchB, patchA)

	if ab.Status != ba.Status || ab.DurableURL != ba.DurableURL {
		t.Errorf("patch order changed outcome: %+v vs %+v", ab, ba)
	}
}

func TestUpdate_Missing(t *testing.T) {
	trk, _ := newTestTracker(t)

	ok, err := trk.Update(context.Background(), "nope", map[string]any{"status": "failed"})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if ok {
		t.Error("expected false for missing record")
	}
}

func TestUpdate_PreservesRemainingTTL(t *testing.T) {
	trk, kv := newTestTracker(t)
	ctx := context.Background()

	trk.Set(ctx, "u1", record("u1"), 10*time.Minute)
	trk.Update(ctx, "u1", map[string]any{"status": string(tracker.StatusTransferring)})

	ttl, err := kv.TTL(ctx, "upload:u1")
	if err != nil {
		t.Fatalf("ttl failed: %v", err)
	}
	if ttl <= 0 || ttl > 10*time.Minute {
		t.Errorf("expected remaining TTL within (0, 10m], got %v", ttl)
	}
}

func TestDeleteExists(t *testing.T) {
	trk, _ := newTestTracker(t)
	ctx := context.Background()

	trk.Set(ctx, "u1", record("u1"), 0)

	found, err := trk.Exists(ctx, "u1")
	if err != nil || !found {
		t.Fatalf("expected record to exist: found=%v err=%v", found, err)
	}

	existed, err := trk.Delete(ctx, "u1")
	if err != nil || !existed {
		t.Fatalf("expected delete to report existence: existed=%v err=%v", existed, err)
	}

	found, _ = trk.Exists(ctx, "u1")
	if found {
		t.Error("record should be gone after delete")
	}
}

func TestList(t *testing.T) {
	trk, _ := newTestTracker(t)
	ctx := context.Background()

	for _, id := range []string{"u1", "u2", "u3"} {
		trk.Set(ctx, id, record(id), 0)
	}

	records, err := trk.List(ctx, 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("expected 2 records, got %d", len(records))
	}
}

func TestList_Degraded(t *testing.T) {
	trk, kv := newTestTracker(t)
	ctx := context.Background()

	kv.fail(true)
	trk.Set(ctx, "u1", record("u1"), 0)
	trk.Set(ctx, "u2", record("u2"), 0)

	records, err := trk.List(ctx, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("expected 2 fallback records, got %d", len(records))
	}
}
