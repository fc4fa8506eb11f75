package executor

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transferkit/internal/domain"
)

type completion struct {
	artifact Artifact
	err      error
}

func TestDownloadWritesArtifact(t *testing.T) {
	content := []byte("some artifact payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "artifact.bin", time.Now(), strings.NewReader(string(content)))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "artifact.bin")
	var progress []float64
	progressCh := make(chan float64, 64)
	done := make(chan completion, 1)

	d := NewHTTPDownloader(srv.Client(), nil)
	_, err := d.Start(domain.Descriptor{URL: srv.URL, DestinationPath: dest},
		func(p float64) { progressCh <- p },
		func(a Artifact, err error) { done <- completion{artifact: a, err: err} },
	)
	require.NoError(t, err)

	var result completion
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("download did not complete")
	}
	require.NoError(t, result.err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, dest, result.artifact.Path)
	assert.Equal(t, int64(len(content)), result.artifact.Size)
	assert.NotEmpty(t, result.artifact.ContentType)

	close(progressCh)
	for p := range progressCh {
		progress = append(progress, p)
	}
	require.NotEmpty(t, progress)
	last := 0.0
	for _, p := range progress {
		assert.GreaterOrEqual(t, p, last)
		last = p
	}
	assert.Equal(t, 1.0, last)
}

func TestDownloadResumesFromPartialFile(t *testing.T) {
	content := []byte("hello resumable world")
	var sawRange atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			sawRange.Store(true)
		}
		http.ServeContent(w, r, "file.bin", time.Now(), strings.NewReader(string(content)))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, os.WriteFile(dest+".part", content[:7], 0o644))

	done := make(chan completion, 1)
	d := NewHTTPDownloader(srv.Client(), nil)
	_, err := d.Start(domain.Descriptor{URL: srv.URL, DestinationPath: dest},
		func(float64) {},
		func(a Artifact, err error) { done <- completion{artifact: a, err: err} },
	)
	require.NoError(t, err)

	select {
	case result := <-done:
		require.NoError(t, result.err)
		assert.Equal(t, int64(len(content)), result.artifact.Size)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not complete")
	}

	assert.True(t, sawRange.Load(), "partial file should trigger a Range request")
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadSuspendAndResume(t *testing.T) {
	content := []byte("0123456789abcdefghij")
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(content[:8])
			w.(http.Flusher).Flush()
			// Hold the rest until the client tears the connection down.
			<-r.Context().Done()
			return
		}
		offset := 0
		if rng := r.Header.Get("Range"); strings.HasPrefix(rng, "bytes=") {
			offset, _ = strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(content)-1, len(content)))
		w.Header().Set("Content-Length", strconv.Itoa(len(content)-offset))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(content[offset:])
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "file.bin")
	progressed := make(chan struct{})
	var once atomic.Bool
	done := make(chan completion, 1)

	d := NewHTTPDownloader(srv.Client(), nil)
	h, err := d.Start(domain.Descriptor{URL: srv.URL, DestinationPath: dest},
		func(float64) {
			if once.CompareAndSwap(false, true) {
				close(progressed)
			}
		},
		func(a Artifact, err error) { done <- completion{artifact: a, err: err} },
	)
	require.NoError(t, err)

	select {
	case <-progressed:
	case <-time.After(5 * time.Second):
		t.Fatal("no progress before suspend")
	}
	require.NoError(t, h.Suspend())

	// The partial stays on disk; the final artifact does not exist yet.
	require.Eventually(t, func() bool {
		fi, err := os.Stat(dest + ".part")
		return err == nil && fi.Size() == 8
	}, 5*time.Second, 10*time.Millisecond)
	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, h.Resume())
	select {
	case result := <-done:
		require.NoError(t, result.err)
	case <-time.After(5 * time.Second):
		t.Fatal("resumed download did not complete")
	}

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadReportsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	done := make(chan completion, 1)
	d := NewHTTPDownloader(srv.Client(), nil)
	_, err := d.Start(domain.Descriptor{
		URL:             srv.URL,
		DestinationPath: filepath.Join(t.TempDir(), "missing.bin"),
	},
		func(float64) {},
		func(a Artifact, err error) { done <- completion{artifact: a, err: err} },
	)
	require.NoError(t, err)

	select {
	case result := <-done:
		require.Error(t, result.err)
		assert.Contains(t, result.err.Error(), "unexpected status")
	case <-time.After(5 * time.Second):
		t.Fatal("no completion")
	}
}

func TestDownloadCancelSuppressesCompletion(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1024")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(make([]byte, 16))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	done := make(chan completion, 1)
	d := NewHTTPDownloader(srv.Client(), nil)
	h, err := d.Start(domain.Descriptor{
		URL:             srv.URL,
		DestinationPath: filepath.Join(t.TempDir(), "cancelled.bin"),
	},
		func(float64) {},
		func(a Artifact, err error) { done <- completion{artifact: a, err: err} },
	)
	require.NoError(t, err)

	h.Cancel()
	select {
	case <-done:
		t.Fatal("cancelled download must not report completion")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDeriveFileName(t *testing.T) {
	cases := []struct {
		rawURL string
		index  int
		want   string
	}{
		{"http://example.com/files/report.pdf", 0, "report.pdf"},
		{"http://example.com/files/report.pdf?token=x", 1, "report.pdf"},
		{"http://example.com/", 2, "file_2"},
		{"http://example.com", 3, "file_3"},
		{"http://example.com/dir/", 4, "dir"},
		{"::bad::", 5, "file_5"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DeriveFileName(tc.rawURL, tc.index), tc.rawURL)
	}
}
