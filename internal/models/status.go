package models

type UploadStatus string

const (
	UploadStatusUploading  UploadStatus = "UPLOADING"
	UploadStatusProcessing UploadStatus = "PROCESSING"
	UploadStatusCompleted  UploadStatus = "COMPLETED"
	UploadStatusFailed     UploadStatus = "FAILED"
)

func (s UploadStatus) Valid() bool {
	switch s {
	case UploadStatusUploading, UploadStatusProcessing, UploadStatusCompleted, UploadStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further automatic transition is expected.
func (s UploadStatus) Terminal() bool {
	return s == UploadStatusCompleted || s == UploadStatusFailed
}

// CanTransition encodes the forward-only lifecycle. FAILED is reachable from
// every state. Leaving FAILED is only possible through RetryProcessing and is
// not a regular transition.
func (s UploadStatus) CanTransition(to UploadStatus) bool {
	if to == UploadStatusFailed {
		return true
	}
	switch s {
	case UploadStatusUploading:
		return to == UploadStatusProcessing
	case UploadStatusProcessing:
		return to == UploadStatusCompleted
	default:
		return false
	}
}

type AssetStatus string

const (
	AssetStatusProcessing AssetStatus = "PROCESSING"
	AssetStatusReady      AssetStatus = "READY"
	AssetStatusFailed     AssetStatus = "FAILED"
)
