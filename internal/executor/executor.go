package executor

import (
	"errors"

	"transferkit/internal/domain"
)

// ErrSuspendUnsupported is returned by Handle.Suspend when the underlying
// transport cannot pause an in-flight operation. The manager falls back to
// cancel-and-requeue.
var ErrSuspendUnsupported = errors.New("executor: suspend not supported")

// Artifact is what a finished transfer leaves behind. Downloads fill Path,
// Size and ContentType; uploads fill Body (raw response) and, for object
// storage, Location.
type Artifact struct {
	Path        string
	Size        int64
	ContentType string
	Body        []byte
	Location    string
}

// Handle controls one in-flight transfer operation. Cancel and Suspend abort
// the underlying I/O; a cancelled or suspended operation must not invoke its
// completion callback.
type Handle interface {
	Suspend() error
	Resume() error
	Cancel()
}

// Executor performs the actual network transfer. Start returns immediately;
// progress and completion arrive asynchronously, possibly on executor-internal
// goroutines. onProgress receives a fraction in [0,1].
type Executor interface {
	Start(desc domain.Descriptor, onProgress func(float64), onComplete func(Artifact, error)) (Handle, error)
}
