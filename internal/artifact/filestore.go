package artifact

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"mdmd.sh/internal/merrors"
)

// FileStore keeps objects under a base directory. Keys map to paths with
// path traversal rejected.
type FileStore struct {
	base string
}

// NewFileStore creates the store, making the base directory if needed.
func NewFileStore(base string) (*FileStore, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeUnavailable, "creating storage directory")
	}
	return &FileStore{base: base}, nil
}

func (s *FileStore) path(key string) (string, error) {
	clean := filepath.Clean(key)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", merrors.Newf(merrors.ErrCodeInvalidInput, "invalid object key %q", key)
	}
	return filepath.Join(s.base, clean), nil
}

func (s *FileStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return merrors.Wrap(err, merrors.ErrCodeUnavailable, "creating object directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeUnavailable, "creating temp object")
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeUnavailable, "writing object")
	}
	if size > 0 && written != size {
		return merrors.Newf(merrors.ErrCodeInternal, "short write: %d of %d bytes", written, size)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return merrors.Wrap(err, merrors.ErrCodeUnavailable, "publishing object")
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, merrors.Newf(merrors.ErrCodeNotFound, "object %s not found", key)
	}
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeUnavailable, "reading object")
	}
	return data, nil
}

func (s *FileStore) Stream(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, merrors.Newf(merrors.ErrCodeNotFound, "object %s not found", key)
	}
	if err != nil {
		return nil, 0, merrors.Wrap(err, merrors.ErrCodeUnavailable, "opening object")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, merrors.Wrap(err, merrors.ErrCodeUnavailable, "statting object")
	}
	return f, info.Size(), nil
}

func (s *FileStore) Stat(ctx context.Context, key string) (int64, error) {
	path, err := s.path(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, merrors.Newf(merrors.ErrCodeNotFound, "object %s not found", key)
	}
	if err != nil {
		return 0, merrors.Wrap(err, merrors.ErrCodeUnavailable, "statting object")
	}
	return info.Size(), nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return merrors.Wrap(err, merrors.ErrCodeUnavailable, "deleting object")
	}
	return nil
}

func (s *FileStore) Healthy(ctx context.Context) error {
	if _, err := os.Stat(s.base); err != nil {
		return merrors.Wrap(err, merrors.ErrCodeUnavailable, "storage directory unavailable")
	}
	return nil
}
