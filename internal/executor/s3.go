package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"transferkit/internal/domain"
)

// S3Uploader sends a descriptor's payload to object storage. The target URL
// is "s3://bucket/prefix"; a payload pointing at a directory is walked and
// uploaded file by file with bounded parallelism. Like the multipart
// executor, in-flight uploads cannot be suspended.
type S3Uploader struct {
	uploader *manager.Uploader
	parallel int
	logger   *logrus.Logger
}

func NewS3Uploader(client *s3.Client, parallel int, logger *logrus.Logger) *S3Uploader {
	if parallel < 1 {
		parallel = 4
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &S3Uploader{
		uploader: manager.NewUploader(client),
		parallel: parallel,
		logger:   logger,
	}
}

func (u *S3Uploader) Start(desc domain.Descriptor, onProgress func(float64), onComplete func(Artifact, error)) (Handle, error) {
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

func (u *S3Uploader) upload(ctx context.Context, desc domain.Descriptor, onProgress func(float64)) (Artifact, error) {
	bucket, prefix, err := splitS3URL(desc.URL)
	if err != nil {
		return Artifact{}, err
	}

	payload := desc.Payload
	if payload.FilePath == "" {
		key := prefix
		if key == "" {
			return Artifact{}, fmt.Errorf("s3 target needs a key for buffer payloads")
		}
		counted := &countingReader{
			r:      bytes.NewReader(payload.Data),
			total:  int64(len(payload.Data)),
			report: onProgress,
		}
		if _, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   counted,
		}); err != nil {
			return Artifact{}, fmt.Errorf("upload %s: %w", key, err)
		}
		return Artifact{Location: fmt.Sprintf("s3://%s/%s", bucket, key), Size: int64(len(payload.Data))}, nil
	}

	root := filepath.Clean(payload.FilePath)
	fi, err := os.Stat(root)
	if err != nil {
		return Artifact{}, fmt.Errorf("stat payload: %w", err)
	}

	type object struct {
		path string
		key  string
		size int64
	}
	var objects []object
	if fi.IsDir() {
		err := filepath.Walk(root, func(p string, info os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if info.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return fmt.Errorf("relative path for %s: %w", p, err)
			}
			objects = append(objects, object{
				path: p,
				key:  path.Join(prefix, filepath.ToSlash(rel)),
				size: info.Size(),
			})
			return nil
		})
		if err != nil {
			return Artifact{}, err
		}
	} else {
		objects = append(objects, object{
			path: root,
			key:  path.Join(prefix, filepath.Base(root)),
			size: fi.Size(),
		})
	}

	var total int64
	for _, obj := range objects {
		total += obj.size
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.parallel)
	for _, obj := range objects {
		g.Go(func() error {
			f, err := os.Open(obj.path)
			if err != nil {
				return fmt.Errorf("open %s: %w", obj.path, err)
			}
			defer f.Close()

			var reader io.Reader = f
			if total > 0 && onProgress != nil {
				reader = io.TeeReader(f, writerFunc(func(p []byte) (int, error) {
					onProgress(float64(done.Add(int64(len(p)))) / float64(total))
					return len(p), nil
				}))
			}
			if _, err := u.uploader.Upload(gctx, &s3.PutObjectInput{
				Bucket: aws.String(bucket),
				Key:    aws.String(obj.key),
				Body:   reader,
			}); err != nil {
				return fmt.Errorf("upload %s: %w", obj.key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Artifact{}, err
	}

	location := fmt.Sprintf("s3://%s/%s", bucket, prefix)
	u.logger.Infof("uploaded %d object(s) to %s", len(objects), location)
	return Artifact{Location: location, Size: total}, nil
}

func splitS3URL(raw string) (bucket, prefix string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse target url: %w", err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("target %q is not an s3 url", raw)
	}
	return u.Host, strings.Trim(u.Path, "/"), nil
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
