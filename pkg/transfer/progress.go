package transfer

import (
	"sync"
	"time"
)

// Stage names a milestone in an upload's pipeline run.
type Stage string

const (
	StageInitializing       Stage = "initializing"
	StageTransferring       Stage = "transferring"
	StageProcessingMetadata Stage = "processing-metadata"
	StageCompleted          Stage = "completed"
)

// ProcessingStatus is a progress snapshot for one in-flight upload.
type ProcessingStatus struct {
	UploadID            string    `json:"uploadId"`
	Stage               Stage     `json:"stage"`
	Progress            int       `json:"progress"`
	EstimatedCompletion time.Time `json:"estimatedCompletion"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// ProgressRegistry tracks per-upload progress and fans updates out to
// watchers. Entries exist only while a pipeline run is in flight:
// created at admission, deleted on any terminal outcome. Watcher
// channels are closed on deletion, which is the terminal signal —
// consumers never need to poll or race a timer.
type ProgressRegistry struct {
	estimate time.Duration
	now      func() time.Time

	mu          sync.Mutex
	entries     map[string]ProcessingStatus
	watchers    map[string]map[int]chan ProcessingStatus
	nextWatcher int
}

// NewProgressRegistry creates a registry. estimate seeds the
// EstimatedCompletion field of new entries; zero means 5 minutes.
func NewProgressRegistry(estimate time.Duration) *ProgressRegistry {
	if estimate <= 0 {
		estimate = 5 * time.Minute
	}
	return &ProgressRegistry{
		estimate: estimate,
		now:      time.Now,
		entries:  make(map[string]ProcessingStatus),
		watchers: make(map[string]map[int]chan ProcessingStatus),
	}
}

// Begin creates the progress entry for uploadID at the initializing
// stage.
func (r *ProgressRegistry) Begin(uploadID string) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	status := ProcessingStatus{
		UploadID:            uploadID,
		Stage:               StageInitializing,
		Progress:            0,
		EstimatedCompletion: now.Add(r.estimate),
		UpdatedAt:           now,
	}
	r.entries[uploadID] = status
	r.notifyLocked(uploadID, status)
}

// Update advances uploadID to the given stage and percentage. Unknown
// uploads are ignored; the run may already have been torn down by the
// deadline race.
func (r *ProgressRegistry) Update(uploadID string, stage Stage, progress int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.entries[uploadID]
	if !ok {
		return
	}
	status.Stage = stage
	status.Progress = progress
	status.UpdatedAt = r.now()
	r.entries[uploadID] = status
	r.notifyLocked(uploadID, status)
}

// Get returns the current snapshot for uploadID.
func (r *ProgressRegistry) Get(uploadID string) (ProcessingStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.entries[uploadID]
	return status, ok
}

// Count returns the number of in-flight entries.
func (r *ProgressRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Watch subscribes to progress updates for uploadID. The current
// snapshot is delivered immediately; if nothing is in flight the
// channel arrives already closed. The channel closes when the upload
// reaches a terminal outcome. The returned cancel func releases the
// subscription early.
func (r *ProgressRegistry) Watch(uploadID string) (<-chan ProcessingStatus, func()) {
	ch := make(chan ProcessingStatus, 8)

	r.mu.Lock()
	status, live := r.entries[uploadID]
	if !live {
		// Nothing in flight; the feed is already over.
		r.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := r.nextWatcher
	r.nextWatcher++
	if r.watchers[uploadID] == nil {
		r.watchers[uploadID] = make(map[int]chan ProcessingStatus)
	}
	r.watchers[uploadID][id] = ch
	ch <- status
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if set, ok := r.watchers[uploadID]; ok {
			if _, live := set[id]; live {
				delete(set, id)
				close(ch)
			}
			if len(set) == 0 {
				delete(r.watchers, uploadID)
			}
		}
	}
	return ch, cancel
}

// End removes the entry for uploadID and closes all of its watcher
// channels. Idempotent.
func (r *ProgressRegistry) End(uploadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, uploadID)
	for _, ch := range r.watchers[uploadID] {
		close(ch)
	}
	delete(r.watchers, uploadID)
}

// notifyLocked fans status out to watchers without blocking; a slow
// consumer drops intermediate snapshots, never the closure signal.
func (r *ProgressRegistry) notifyLocked(uploadID string, status ProcessingStatus) {
	for _, ch := range r.watchers[uploadID] {
		select {
		case ch <- status:
		default:
		}
	}
}
