package transfer

import "fmt"

// Callback status values delivered by the external virus-scan service.
const (
	CallbackCompleted = "completed"
	CallbackFailed    = "failed"
	CallbackRejected  = "rejected"
	CallbackCancelled = "cancelled"
)

// ScanResultInfected is the scan verdict that forces rejection
// regardless of the callback status.
const ScanResultInfected = "infected"

// FileInfo describes the scanned file as reported by the callback.
type FileInfo struct {
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	Mimetype     string `json:"mimetype"`
	Checksum     string `json:"checksum,omitempty"`
}

// CallbackPayload is the scan-complete callback body.
type CallbackPayload struct {
	UploadID        string    `json:"uploadId"`
	Status          string    `json:"status"`
	RetrievalKey    string    `json:"retrievalKey"`
	FileInfo        *FileInfo `json:"fileInfo,omitempty"`
	VirusScanResult string    `json:"virusScanResult,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// Validate checks the payload shape. A completed callback additionally
// requires a structurally valid fileInfo.
func (p *CallbackPayload) Validate() error {
	if p.UploadID == "" {
		return &ValidationError{Reason: "uploadId is required"}
	}
	if p.Status == "" {
		return &ValidationError{UploadID: p.UploadID, Reason: "status is required"}
	}
	if p.RetrievalKey == "" {
		return &ValidationError{UploadID: p.UploadID, Reason: "retrievalKey is required"}
	}
	if p.Status == CallbackCompleted {
		if p.FileInfo == nil {
			return &ValidationError{UploadID: p.UploadID, Reason: "fileInfo is required for completed uploads"}
		}
		if p.FileInfo.OriginalName == "" {
			return &ValidationError{UploadID: p.UploadID, Reason: "fileInfo.originalName is required"}
		}
		if p.FileInfo.Size < 0 {
			return &ValidationError{UploadID: p.UploadID, Reason: fmt.Sprintf("fileInfo.size %d is invalid", p.FileInfo.Size)}
		}
		if p.FileInfo.Mimetype == "" {
			return &ValidationError{UploadID: p.UploadID, Reason: "fileInfo.mimetype is required"}
		}
	}
	return nil
}
