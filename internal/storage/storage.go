// Package storage provides read access to CDN log files across the
// supported object storage backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pkgdex/registry/internal/config"
	"github.com/pkgdex/registry/internal/observability"
)

// ErrObjectNotFound marks a missing object, as opposed to a transport or
// auth failure. Callers test for it with errors.Is.
var ErrObjectNotFound = errors.New("object not found")

// ObjectMeta describes a stored object.
type ObjectMeta struct {
	Path         string
	Size         int64
	LastModified time.Time
	ETag         string
}

// ObjectStore is the capability every backend implements: metadata lookup
// and a streaming reader. Neither call retries; retry policy belongs to
// the job scheduler.
type ObjectStore interface {
	Head(ctx context.Context, path string) (ObjectMeta, error)
	Open(ctx context.Context, path string, meta ObjectMeta) (io.ReadCloser, error)
}

// NewStore builds an object store for one job run. Region and bucket are
// call-time arguments because log files are not assumed to share a single
// bucket or region; the filesystem and memory backends ignore both.
func NewStore(cfg *config.StorageConfig, region, bucket string, logger observability.Logger) (ObjectStore, error) {
	switch cfg.Backend {
	case config.BackendS3:
		return newS3Store(region, bucket, cfg.S3, logger)
	case config.BackendFilesystem:
		return newFilesystemStore(cfg.LocalPath, logger), nil
	case config.BackendMemory:
		return NewMemoryStore(logger), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %q", cfg.Backend)
	}
}
