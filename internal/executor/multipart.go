package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"

	"transferkit/internal/domain"
)

const maxUploadResponseBytes = 4 << 20

// MultipartUploader posts a descriptor's payload to its target URL as a
// multipart form. The raw response body is handed back on the artifact so the
// manager's decode hook can parse it. Multipart streams cannot be suspended
// mid-request; pause falls back to cancel-and-requeue.
type MultipartUploader struct {
	client *http.Client
	logger *logrus.Logger
}

func NewMultipartUploader(client *http.Client, logger *logrus.Logger) *MultipartUploader {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &MultipartUploader{client: client, logger: logger}
}

func (u *MultipartUploader) Start(desc domain.Descriptor, onProgress func(float64), onComplete func(Artifact, error)) (Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &uploadHandle{cancel: cancel}
	go func() {
		artifact, err := u.upload(ctx, desc, onProgress)
		if !h.finish() {
			return
		}
		onComplete(artifact, err)
	}()
	return h, nil
}

func (u *MultipartUploader) upload(ctx context.Context, desc domain.Descriptor, onProgress func(float64)) (Artifact, error) {
	payload := desc.Payload

	var (
		source   io.ReadCloser
		size     int64
		fileName string
	)
	if payload.FilePath != "" {
		f, err := os.Open(payload.FilePath)
		if err != nil {
			return Artifact{}, fmt.Errorf("open payload: %w", err)
		}
		fi, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return Artifact{}, fmt.Errorf("stat payload: %w", err)
		}
		source = f
		size = fi.Size()
		fileName = filepath.Base(payload.FilePath)
	} else {
		source = io.NopCloser(bytes.NewReader(payload.Data))
		size = int64(len(payload.Data))
		fileName = "upload"
	}
	defer source.Close()

	contentType := payload.ContentType
	if contentType == "" {
		contentType = sniffPayload(payload)
	}
	fieldName := payload.FieldName
	if fieldName == "" {
		fieldName = "file"
	}

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name=%q; filename=%q`, fieldName, fileName))
		header.Set("Content-Type", contentType)
		part, err := form.CreatePart(header)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		counted := &countingReader{r: source, total: size, report: onProgress}
		if _, err := io.Copy(part, counted); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.CloseWithError(form.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, desc.URL, pr)
	if err != nil {
		return Artifact{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return Artifact{}, fmt.Errorf("post %s: %w", desc.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUploadResponseBytes))
	if err != nil {
		return Artifact{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Artifact{}, fmt.Errorf("post %s: unexpected status %s", desc.URL, resp.Status)
	}
	return Artifact{Body: body, Size: size, ContentType: contentType}, nil
}

func sniffPayload(payload *domain.UploadPayload) string {
	if payload.FilePath != "" {
		if mt, err := mimetype.DetectFile(payload.FilePath); err == nil {
			return mt.String()
		}
		return "application/octet-stream"
	}
	return mimetype.Detect(payload.Data).String()
}

type uploadHandle struct {
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	done      bool
}

func (h *uploadHandle) Suspend() error { return ErrSuspendUnsupported }

func (h *uploadHandle) Resume() error { return nil }

func (h *uploadHandle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
	h.cancel()
}

// finish claims the completion slot; a cancelled operation reports nothing.
func (h *uploadHandle) finish() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled || h.done {
		return false
	}
	h.done = true
	return true
}

// countingReader reports upload progress as a fraction of total bytes read.
type countingReader struct {
	r      io.Reader
	total  int64
	read   int64
	report func(float64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.total > 0 && c.report != nil {
		c.read += int64(n)
		c.report(float64(c.read) / float64(c.total))
	}
	return n, err
}
