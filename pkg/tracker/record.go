package tracker

import "time"

// Status is an upload's position in the transfer pipeline.
type Status string

const (
	StatusInitializing       Status = "initializing"
	StatusTransferring       Status = "transferring"
	StatusProcessingMetadata Status = "processing_metadata"
	StatusCompleted          Status = "completed"
	StatusRejectedVirus      Status = "rejected_virus"
	StatusFailed             Status = "failed"
	StatusTimedOut           Status = "timed_out"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejectedVirus, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// VirusScanStatus is the external scanner's verdict for an upload.
type VirusScanStatus string

const (
	ScanPending     VirusScanStatus = "pending"
	ScanClean       VirusScanStatus = "clean"
	ScanInfected    VirusScanStatus = "infected"
	ScanQuarantined VirusScanStatus = "quarantined"
)

// UploadRecord is the tracked state of one upload, from admission
// through its terminal outcome. JSON field names follow the portal's
// wire format.
type UploadRecord struct {
	UploadID        string            `json:"uploadId"`
	Filename        string            `json:"filename"`
	ContentType     string            `json:"contentType"`
	Size            int64             `json:"size"`
	Status          Status            `json:"status"`
	VirusScanStatus VirusScanStatus   `json:"virusScanStatus"`
	StagingKey      string            `json:"stagingKey,omitempty"`
	DurableBlobName string            `json:"durableBlobName,omitempty"`
	DurableURL      string            `json:"durableUrl,omitempty"`
	FormData        map[string]string `json:"formData,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	Error           string            `json:"error,omitempty"`
}
