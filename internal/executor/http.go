package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"

	"transferkit/internal/domain"
)

const downloadChunkSize = 32 * 1024

// HTTPDownloader fetches a descriptor's source URL to its destination path.
// Data is staged in a ".part" file and renamed into place on success, so a
// torn-down transfer never leaves a truncated artifact under the final name.
// Suspension aborts the request but keeps the partial file; resuming issues a
// Range request that appends to it.
type HTTPDownloader struct {
	client *http.Client
	logger *logrus.Logger
}

func NewHTTPDownloader(client *http.Client, logger *logrus.Logger) *HTTPDownloader {
	if client == nil {
		// No client timeout: cancellation comes from the handle.
		client = &http.Client{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &HTTPDownloader{client: client, logger: logger}
}

func (d *HTTPDownloader) Start(desc domain.Descriptor, onProgress func(float64), onComplete func(Artifact, error)) (Handle, error) {
	h := &httpHandle{
		d:          d,
		url:        desc.URL,
		dest:       desc.DestinationPath,
		onProgress: onProgress,
		onComplete: onComplete,
		state:      opRunning,
	}
	h.launch()
	return h, nil
}

const (
	opRunning = iota
	opSuspended
	opCancelled
	opDone
)

type httpHandle struct {
	d          *HTTPDownloader
	url        string
	dest       string
	onProgress func(float64)
	onComplete func(Artifact, error)

	mu     sync.Mutex
	cancel context.CancelFunc
	state  int
}

func (h *httpHandle) launch() {
	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	go h.run(ctx)
}

// Suspend aborts the in-flight request, keeping the ".part" staging file for
// a later Range resume.
func (h *httpHandle) Suspend() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == opRunning {
		h.state = opSuspended
		h.cancel()
	}
	return nil
}

func (h *httpHandle) Resume() error {
	h.mu.Lock()
	if h.state != opSuspended {
		h.mu.Unlock()
		return nil
	}
	h.state = opRunning
	h.mu.Unlock()
	h.launch()
	return nil
}

func (h *httpHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == opRunning || h.state == opSuspended {
		h.state = opCancelled
		h.cancel()
	}
}

// abandoned reports whether the operation was suspended or cancelled; such
// runs exit without invoking the completion callback.
func (h *httpHandle) abandoned() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == opSuspended || h.state == opCancelled
}

func (h *httpHandle) finish(artifact Artifact, err error) {
	h.mu.Lock()
	if h.state != opRunning {
		h.mu.Unlock()
		return
	}
	h.state = opDone
	h.mu.Unlock()
	h.onComplete(artifact, err)
}

func (h *httpHandle) run(ctx context.Context) {
	part := h.dest + ".part"

	var offset int64
	if fi, err := os.Stat(part); err == nil {
		offset = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		h.finish(Artifact{}, fmt.Errorf("build request: %w", err))
		return
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := h.d.client.Do(req)
	if err != nil {
		if h.abandoned() {
			return
		}
		h.finish(Artifact{}, fmt.Errorf("fetch %s: %w", h.url, err))
		return
	}
	defer resp.Body.Close()

	var total int64
	openFlags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		openFlags |= os.O_APPEND
		if resp.ContentLength >= 0 {
			total = offset + resp.ContentLength
		}
	case http.StatusOK:
		// Server ignored (or never saw) the Range header; start over.
		openFlags |= os.O_TRUNC
		offset = 0
		total = resp.ContentLength
	default:
		h.finish(Artifact{}, fmt.Errorf("fetch %s: unexpected status %s", h.url, resp.Status))
		return
	}

	f, err := os.OpenFile(part, openFlags, 0o644)
	if err != nil {
		h.finish(Artifact{}, fmt.Errorf("open staging file: %w", err))
		return
	}

	var written int64
	buf := make([]byte, downloadChunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				_ = f.Close()
				h.finish(Artifact{}, fmt.Errorf("write staging file: %w", werr))
				return
			}
			written += int64(n)
			if total > 0 {
				h.reportProgress(float64(offset+written) / float64(total))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = f.Close()
			if h.abandoned() {
				return
			}
			h.finish(Artifact{}, fmt.Errorf("read response: %w", rerr))
			return
		}
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		h.finish(Artifact{}, fmt.Errorf("sync staging file: %w", err))
		return
	}
	if err := f.Close(); err != nil {
		h.finish(Artifact{}, fmt.Errorf("close staging file: %w", err))
		return
	}
	if err := os.Rename(part, h.dest); err != nil {
		h.finish(Artifact{}, fmt.Errorf("finalize artifact: %w", err))
		return
	}

	artifact := Artifact{Path: h.dest, Size: offset + written}
	if mt, err := mimetype.DetectFile(h.dest); err == nil {
		artifact.ContentType = mt.String()
	} else {
		h.d.logger.Warnf("sniff %s: %v", h.dest, err)
	}
	h.finish(artifact, nil)
}

func (h *httpHandle) reportProgress(p float64) {
	h.mu.Lock()
	running := h.state == opRunning
	h.mu.Unlock()
	if running {
		h.onProgress(p)
	}
}

// DeriveFileName picks a local file name for a source URL: the last path
// segment when present, otherwise a positional fallback.
func DeriveFileName(rawURL string, index int) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return fmt.Sprintf("file_%d", index)
	}
	segments := strings.Split(strings.TrimRight(u.Path, "/"), "/")
	name := segments[len(segments)-1]
	if name == "" {
		return fmt.Sprintf("file_%d", index)
	}
	return name
}
