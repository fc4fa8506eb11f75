package domain

import "time"

type TaskState string

const (
	TaskStateIdle      TaskState = "idle"
	TaskStateRunning   TaskState = "running"
	TaskStatePaused    TaskState = "paused"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

// Terminal reports whether a task in this state has stopped for good unless
// explicitly restarted.
func (s TaskState) Terminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateCancelled
}

type BatchState string

const (
	BatchStateIdle      BatchState = "idle"
	BatchStateRunning   BatchState = "running"
	BatchStatePaused    BatchState = "paused"
	BatchStateCompleted BatchState = "completed"
)

// UploadPayload describes what an upload task sends: either a file on disk or
// an in-memory buffer, plus the multipart form metadata.
type UploadPayload struct {
	FilePath    string
	Data        []byte
	FieldName   string
	ContentType string
}

// Descriptor is the caller-supplied, immutable description of one transfer.
// URL is the download source or the upload target. DestinationPath is only
// meaningful for downloads; Payload only for uploads.
type Descriptor struct {
	URL             string
	DestinationPath string
	CopyToLibrary   bool
	Payload         *UploadPayload
}

// TaskSnapshot is an immutable copy of a task record handed out by the
// manager. Mutating a snapshot has no effect on the manager's state.
type TaskSnapshot struct {
	ID         string
	Descriptor Descriptor
	State      TaskState
	Progress   float64
	Error      string
	// Response holds the decoded upload response when the owning manager was
	// constructed with a decode hook.
	Response  any
	CreatedAt time.Time
	UpdatedAt time.Time
}
