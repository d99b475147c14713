package domain

type UploadStatus string

const (
	StatusQueued      UploadStatus = "queued"
	StatusUploading   UploadStatus = "uploading"
	StatusSuccess     UploadStatus = "success"
	StatusFailure     UploadStatus = "failure"
	StatusRescheduled UploadStatus = "rescheduled"
	StatusCancelled   UploadStatus = "cancelled"
)

// IsFinal reports whether the upload produced a result (success or failure).
func (s UploadStatus) IsFinal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// IsTerminal reports whether no further transitions are possible.
func (s UploadStatus) IsTerminal() bool {
	return s.IsFinal() || s == StatusCancelled
}

func (s UploadStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusUploading, StatusSuccess,
		StatusFailure, StatusRescheduled, StatusCancelled:
		return true
	}
	return false
}

var transitions = map[UploadStatus][]UploadStatus{
	StatusQueued:      {StatusUploading, StatusCancelled, StatusFailure},
	StatusUploading:   {StatusSuccess, StatusFailure, StatusRescheduled, StatusCancelled, StatusQueued},
	StatusRescheduled: {StatusQueued, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
// UPLOADING -> QUEUED covers an attempt that found its constraints unmet
// and handed the request back without consuming a retry.
func CanTransition(from, to UploadStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
