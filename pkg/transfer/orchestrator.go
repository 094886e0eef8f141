// Package transfer orchestrates the accept → verify → transfer →
// record → cleanup sequence that moves a scanned upload from staging
// storage into the durable store.
//
// One Process call handles one scan-complete callback. Runs are
// single-flight per upload: a second callback for an upload that is
// still being processed is rejected immediately with
// ErrConcurrencyConflict rather than queued. The whole pipeline races
// a per-upload deadline; whichever side settles first wins, and
// bookkeeping (the active-process registry and the progress entry) is
// cleared on every exit path.
//
// Single-flight is a process-local guarantee. Instances do not
// coordinate; a load balancer that sprays callback retries across
// replicas can defeat it.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/civicforms/uploadgate/pkg/blobstore"
	"github.com/civicforms/uploadgate/pkg/stagestore"
	"github.com/civicforms/uploadgate/pkg/tracker"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// VirusDetectedMessage is the error text returned for infected or
// rejected uploads.
const VirusDetectedMessage = "File rejected: Virus detected"

// IntegrityFailedMessage is the error text returned when the staged
// content does not match the checksum announced by the scanner.
const IntegrityFailedMessage = "File integrity check failed"

// StagingStore is the transient-store contract the orchestrator
// consumes. *stagestore.Client satisfies it.
type StagingStore interface {
	DownloadFile(ctx context.Context, key string) (io.ReadCloser, *stagestore.ObjectInfo, error)
	DeleteUpload(ctx context.Context, key string) error
}

// DurableStore is the long-term-store contract. *blobstore.Client
// satisfies it.
type DurableStore interface {
	UploadFileFromStream(ctx context.Context, r io.Reader, container string, opts blobstore.UploadOptions) (*blobstore.PutResult, error)
	UploadMetadata(ctx context.Context, name string, doc any) (*blobstore.MetadataResult, error)
}

// RecordStore is the tracking contract. *tracker.Tracker satisfies it.
type RecordStore interface {
	Update(ctx context.Context, id string, patch map[string]any) (bool, error)
}

// Result is the outcome of one Process call.
type Result struct {
	Success         bool          `json:"success"`
	UploadID        string        `json:"uploadId"`
	BlobName        string        `json:"blobName,omitempty"`
	DurableURL      string        `json:"durableUrl,omitempty"`
	MetadataURL     string        `json:"metadataUrl,omitempty"`
	VirusScanResult string        `json:"virusScanResult,omitempty"`
	Error           string        `json:"error,omitempty"`
	Duration        time.Duration `json:"-"`
}

// Config controls the orchestrator.
type Config struct {
	// Timeout bounds one pipeline run end to end. Default: 5 minutes.
	Timeout time.Duration

	// Retry bounds the download+upload transfer cycle.
	Retry RetryPolicy

	// Container is the durable-store container accepted files land in.
	// Default: "uploads".
	Container string

	// Logger receives pipeline logs. Default: slog.Default.
	Logger *slog.Logger

	// Tracer emits one span per Process call. Default: the global
	// provider's "uploadgate/transfer" tracer.
	Tracer trace.Tracer

	// Now overrides the clock, for tests. Default: time.Now.
	Now func() time.Time
}

// procContext is the ephemeral per-run state. At most one exists per
// upload at any instant; it is never persisted.
type procContext struct {
	processingID string
	uploadID     string
	retrievalKey string
	startTime    time.Time
}

// Orchestrator executes the transfer pipeline. Create with New.
type Orchestrator struct {
	staging  StagingStore
	durable  DurableStore
	records  RecordStore
	progress *ProgressRegistry
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer

	mu     sync.Mutex
	active map[string]*procContext
}

// New creates an Orchestrator over the given collaborators.
func New(staging StagingStore, durable DurableStore, records RecordStore, progress *ProgressRegistry, cfg Config) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.Container == "" {
		cfg.Container = "uploads"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("uploadgate/transfer")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if progress == nil {
		progress = NewProgressRegistry(cfg.Timeout)
	}
	return &Orchestrator{
		staging:  staging,
		durable:  durable,
		records:  records,
		progress: progress,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "transfer"),
		tracer:   cfg.Tracer,
	}
}

// Progress exposes the progress registry for the status feed.
func (o *Orchestrator) Progress() *ProgressRegistry {
	return o.progress
}

// ActiveCount returns the number of uploads currently in flight.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Process handles one scan-complete callback. It validates the
// payload, takes the single-flight slot for the upload, dispatches on
// the callback status, and guarantees that the slot and the progress
// entry are released on every path out.
func (o *Orchestrator) Process(ctx context.Context, payload CallbackPayload, formData map[string]string) (*Result, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	ctx, span := o.tracer.Start(ctx, "transfer.process",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("upload.id", payload.UploadID),
			attribute.String("callback.status", payload.Status),
		))
	defer span.End()

	pc, err := o.admit(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer o.release(pc)

	res, err := o.dispatch(ctx, pc, payload, formData)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	res.Duration = o.cfg.Now().Sub(pc.startTime)
	return res, nil
}

// admit takes the single-flight slot for the upload and creates its
// progress entry.
func (o *Orchestrator) admit(payload CallbackPayload) (*procContext, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		o.active = make(map[string]*procContext)
	}
	if _, busy := o.active[payload.UploadID]; busy {
		return nil, &ConflictError{UploadID: payload.UploadID}
	}
	pc := &procContext{
		processingID: uuid.NewString(),
		uploadID:     payload.UploadID,
		retrievalKey: payload.RetrievalKey,
		startTime:    o.cfg.Now(),
	}
	o.active[payload.UploadID] = pc
	o.progress.Begin(payload.UploadID)
	return pc, nil
}

func (o *Orchestrator) release(pc *procContext) {
	o.mu.Lock()
	delete(o.active, pc.uploadID)
	o.mu.Unlock()
	o.progress.End(pc.uploadID)
}

func (o *Orchestrator) dispatch(ctx context.Context, pc *procContext, payload CallbackPayload, formData map[string]string) (*Result, error) {
	switch {
	case payload.Status == CallbackFailed:
		return o.handleScanFailure(ctx, payload)

	case payload.Status == CallbackRejected || payload.VirusScanResult == ScanResultInfected:
		return o.handleRejection(ctx, payload)

	case payload.Status == CallbackCompleted:
		return o.runWithDeadline(ctx, pc, payload, formData)

	default:
		return nil, &ValidationError{
			UploadID: payload.UploadID,
			Reason:   fmt.Sprintf("unsupported status %q", payload.Status),
		}
	}
}

// handleScanFailure processes a failed scan. Transient infrastructure
// failures are re-raised so the scanner's redelivery can retry; all
// other failures settle as a structured failure result.
func (o *Orchestrator) handleScanFailure(ctx context.Context, payload CallbackPayload) (*Result, error) {
	if isTransientMessage(payload.Error) {
		return nil, &TransientError{
			UploadID: payload.UploadID,
			Stage:    "scan",
			Err:      fmt.Errorf("scan service reported: %s", payload.Error),
		}
	}

	o.updateRecord(ctx, payload.UploadID, map[string]any{
		"status": string(tracker.StatusFailed),
		"error":  payload.Error,
	})
	o.logger.Warn("scan failed", "upload_id", payload.UploadID, "error", payload.Error)
	return &Result{
		Success:  false,
		UploadID: payload.UploadID,
		Error:    payload.Error,
	}, nil
}

// handleRejection disposes of an infected or rejected upload: the
// staged object is deleted best-effort and the rejection settles as a
// failure result, never an error.
func (o *Orchestrator) handleRejection(ctx context.Context, payload CallbackPayload) (*Result, error) {
	if err := o.staging.DeleteUpload(ctx, payload.RetrievalKey); err != nil {
		o.logger.Warn("failed to delete rejected staged upload",
			"upload_id", payload.UploadID, "error", err)
	}

	verdict := payload.VirusScanResult
	if verdict == "" {
		verdict = ScanResultInfected
	}
	o.updateRecord(ctx, payload.UploadID, map[string]any{
		"status":          string(tracker.StatusRejectedVirus),
		"virusScanStatus": string(tracker.ScanInfected),
		"error":           VirusDetectedMessage,
	})
	o.logger.Warn("upload rejected by virus scan",
		"upload_id", payload.UploadID, "verdict", verdict)
	return &Result{
		Success:         false,
		UploadID:        payload.UploadID,
		VirusScanResult: verdict,
		Error:           VirusDetectedMessage,
	}, nil
}

type pipelineOutcome struct {
	res *Result
	err error
}

// runWithDeadline races the transfer pipeline against the per-upload
// timeout. The loser's work is canceled through the context; the
// winner returns. Bookkeeping cleanup is owned by Process.
func (o *Orchestrator) runWithDeadline(ctx context.Context, pc *procContext, payload CallbackPayload, formData map[string]string) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	done := make(chan pipelineOutcome, 1)
	go func() {
		res, err := o.runPipeline(runCtx, pc, payload, formData)
		done <- pipelineOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-runCtx.Done():
		// The run context is dead; record the timeout on a fresh one.
		recCtx, recCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer recCancel()
		o.updateRecord(recCtx, payload.UploadID, map[string]any{
			"status": string(tracker.StatusTimedOut),
			"error":  "processing deadline exceeded",
		})
		o.logger.Error("pipeline deadline exceeded",
			"upload_id", payload.UploadID,
			"processing_id", pc.processingID,
			"timeout", o.cfg.Timeout)
		return nil, fmt.Errorf("upload %s: %w", payload.UploadID, ErrDeadlineExceeded)
	}
}

// runPipeline executes steps 4–7 for a completed scan: integrity
// check, transfer, metadata persistence, staging cleanup.
func (o *Orchestrator) runPipeline(ctx context.Context, pc *procContext, payload CallbackPayload, formData map[string]string) (*Result, error) {
	id := payload.UploadID

	o.updateRecord(ctx, id, map[string]any{
		"status":          string(tracker.StatusTransferring),
		"virusScanStatus": string(tracker.ScanClean),
	})

	if payload.FileInfo.Checksum != "" {
		ok, err := o.verifyIntegrity(ctx, payload)
		if err != nil {
			return nil, fmt.Errorf("upload %s: integrity check: %w", id, err)
		}
		if !ok {
			o.updateRecord(ctx, id, map[string]any{
				"status": string(tracker.StatusFailed),
				"error":  IntegrityFailedMessage,
			})
			o.logger.Warn("integrity check failed", "upload_id", id)
			return &Result{Success: false, UploadID: id, Error: IntegrityFailedMessage}, nil
		}
	}
	o.progress.Update(id, StageTransferring, 25)

	blobName := blobNameFor(id, payload.FileInfo.OriginalName)
	var put *blobstore.PutResult
	err := o.cfg.Retry.Do(ctx, func() error {
		body, _, err := o.staging.DownloadFile(ctx, pc.retrievalKey)
		if err != nil {
			return err
		}
		defer body.Close()

		put, err = o.durable.UploadFileFromStream(ctx, body, o.cfg.Container, blobstore.UploadOptions{
			BlobName:    blobName,
			ContentType: payload.FileInfo.Mimetype,
			Metadata: map[string]string{
				"upload-id":         id,
				"original-filename": payload.FileInfo.OriginalName,
				"processing-id":     pc.processingID,
			},
		})
		return err
	})
	if err != nil {
		o.updateRecord(ctx, id, map[string]any{
			"status": string(tracker.StatusFailed),
			"error":  err.Error(),
		})
		return nil, fmt.Errorf("upload %s: transfer: %w", id, err)
	}

	var metadataURL string
	if len(formData) > 0 {
		doc := map[string]any{
			"uploadId":    id,
			"fileInfo":    payload.FileInfo,
			"formData":    StripSensitiveFields(formData),
			"submittedAt": o.cfg.Now().UTC().Format(time.RFC3339),
		}
		meta, err := o.durable.UploadMetadata(ctx, o.cfg.Container+"/"+id+"/metadata.json", doc)
		if err != nil {
			o.updateRecord(ctx, id, map[string]any{
				"status": string(tracker.StatusFailed),
				"error":  err.Error(),
			})
			return nil, fmt.Errorf("upload %s: metadata: %w", id, err)
		}
		metadataURL = meta.MetadataURL
	}
	o.progress.Update(id, StageProcessingMetadata, 75)

	if err := o.staging.DeleteUpload(ctx, pc.retrievalKey); err != nil {
		o.logger.Warn("failed to delete staged upload after transfer",
			"upload_id", id, "error", err)
	}

	o.updateRecord(ctx, id, map[string]any{
		"status":          string(tracker.StatusCompleted),
		"durableBlobName": blobName,
		"durableUrl":      put.URL,
	})
	o.progress.Update(id, StageCompleted, 100)
	o.logger.Info("upload transferred",
		"upload_id", id,
		"processing_id", pc.processingID,
		"blob", blobName)

	return &Result{
		Success:     true,
		UploadID:    id,
		BlobName:    blobName,
		DurableURL:  put.URL,
		MetadataURL: metadataURL,
	}, nil
}

// verifyIntegrity materializes the staged object and compares its
// digest and size against what the scanner announced. Returns false on
// mismatch, error only on infrastructure failure.
func (o *Orchestrator) verifyIntegrity(ctx context.Context, payload CallbackPayload) (bool, error) {
	body, _, err := o.staging.DownloadFile(ctx, payload.RetrievalKey)
	if err != nil {
		return false, err
	}
	defer body.Close()

	content, err := io.ReadAll(body)
	if err != nil {
		return false, err
	}

	sum := sha256.Sum256(content)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), payload.FileInfo.Checksum) {
		return false, nil
	}
	if payload.FileInfo.Size > 0 && int64(len(content)) != payload.FileInfo.Size {
		return false, nil
	}
	return true, nil
}

// updateRecord persists a tracker patch, logging failures instead of
// letting bookkeeping break the pipeline.
func (o *Orchestrator) updateRecord(ctx context.Context, id string, patch map[string]any) {
	if _, err := o.records.Update(ctx, id, patch); err != nil {
		o.logger.Warn("failed to update upload record",
			"upload_id", id, "error", err)
	}
}

// blobNameFor builds a collision-free durable object name that keeps
// the original extension for content-type sniffing downstream.
func blobNameFor(uploadID, originalName string) string {
	return uploadID + "/" + uuid.NewString() + path.Ext(originalName)
}

// sensitiveFieldFragments match form field names that must never reach
// durable storage. Comparison is case-insensitive on the normalized
// field name.
var sensitiveFieldFragments = []string{
	"password",
	"apikey",
	"secret",
	"token",
	"sessiontoken",
	"authtoken",
	"privatekey",
	"publickey",
	"connectionstring",
	"dbpassword",
}

// StripSensitiveFields returns a copy of formData without credential
// or key material fields.
func StripSensitiveFields(formData map[string]string) map[string]string {
	clean := make(map[string]string, len(formData))
	for k, v := range formData {
		if isSensitiveField(k) {
			continue
		}
		clean[k] = v
	}
	return clean
}

func isSensitiveField(name string) bool {
	normalized := strings.ToLower(name)
	normalized = strings.NewReplacer(" ", "", "-", "", "_", "").Replace(normalized)
	for _, frag := range sensitiveFieldFragments {
		if strings.Contains(normalized, frag) {
			return true
		}
	}
	return false
}
