package transfer

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"transferkit/internal/domain"
	"transferkit/internal/executor"
)

// NewDownloadManager builds a manager for file downloads. Descriptors must
// carry an http(s) source URL and a destination path; tasks flagged
// CopyToLibrary get their finished artifact copied into mediaLibraryDir.
func NewDownloadManager(cfg Config, exec executor.Executor) *Manager {
	if cfg.Name == "" {
		cfg.Name = "download"
	}
	cfg.Validate = validateDownload
	cfg.DecodeResponse = nil
	return NewManager(cfg, exec)
}

func validateDownload(desc domain.Descriptor) error {
	u, err := url.Parse(desc.URL)
	if err != nil {
		return fmt.Errorf("parse source url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("source url has no host")
	}
	if desc.DestinationPath == "" {
		return fmt.Errorf("destination path is required")
	}
	return nil
}

// copyToDir copies src into dir keeping its base name. Used for the optional
// media-library copy after a download completes.
func copyToDir(src, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create library dir: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()

	dst := filepath.Join(dir, filepath.Base(src))
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create library copy: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy artifact: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("sync library copy: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close library copy: %w", err)
	}
	return nil
}
