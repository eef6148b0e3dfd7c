package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/pkgdex/registry/internal/observability"
)

// aferoStore serves objects from an afero filesystem. It backs both the
// local filesystem and the in-memory backend.
type aferoStore struct {
	fs     afero.Fs
	logger observability.Logger
}

func newFilesystemStore(root string, logger observability.Logger) *aferoStore {
	return &aferoStore{
		fs:     afero.NewBasePathFs(afero.NewOsFs(), root),
		logger: logger.WithFields(map[string]interface{}{"store": "filesystem", "root": root}),
	}
}

func (s *aferoStore) Head(ctx context.Context, p string) (ObjectMeta, error) {
	info, err := s.fs.Stat(filepath.FromSlash(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ObjectMeta{}, fmt.Errorf("%s: %w", p, ErrObjectNotFound)
		}
		return ObjectMeta{}, fmt.Errorf("stat %s: %w", p, err)
	}

	return ObjectMeta{
		Path:         p,
		Size:         info.Size(),
		LastModified: info.ModTime(),
	}, nil
}

func (s *aferoStore) Open(ctx context.Context, p string, _ ObjectMeta) (io.ReadCloser, error) {
	f, err := s.fs.Open(filepath.FromSlash(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", p, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", p, err)
	}

	s.logger.Debug("opened log file", "path", p)
	return f, nil
}

// MemoryStore is an in-memory object store. It is used in tests and in
// local development, where Put seeds log fixtures.
type MemoryStore struct {
	aferoStore
}

func NewMemoryStore(logger observability.Logger) *MemoryStore {
	return &MemoryStore{
		aferoStore: aferoStore{
			fs:     afero.NewMemMapFs(),
			logger: logger.WithFields(map[string]interface{}{"store": "memory"}),
		},
	}
}

// Put stores an object under the given path, creating parents as needed.
func (s *MemoryStore) Put(ctx context.Context, p string, data []byte) error {
	name := filepath.FromSlash(p)
	if dir := path.Dir(p); dir != "." {
		if err := s.fs.MkdirAll(filepath.FromSlash(dir), 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	if err := afero.WriteFile(s.fs, name, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}
