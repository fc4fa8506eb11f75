package transfer

import (
	"fmt"
	"net/url"

	"transferkit/internal/domain"
	"transferkit/internal/executor"
)

// NewUploadManager builds a manager for file uploads. decode, when non-nil,
// parses the raw upload response into a caller-defined model exposed on the
// task snapshot. The hook is fixed at construction so the manager stays
// agnostic of the response shape.
func NewUploadManager(cfg Config, exec executor.Executor, decode func([]byte) (any, error)) *Manager {
	if cfg.Name == "" {
		cfg.Name = "upload"
	}
	cfg.Validate = validateUpload
	cfg.DecodeResponse = decode
	cfg.MediaLibraryDir = ""
	return NewManager(cfg, exec)
}

func validateUpload(desc domain.Descriptor) error {
	u, err := url.Parse(desc.URL)
	if err != nil {
		return fmt.Errorf("parse target url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "s3":
	default:
		return fmt.Errorf("unsupported target scheme %q", u.Scheme)
	}
	if desc.Payload == nil {
		return fmt.Errorf("upload payload is required")
	}
	if desc.Payload.FilePath == "" && len(desc.Payload.Data) == 0 {
		return fmt.Errorf("upload payload has neither file path nor data")
	}
	return nil
}
