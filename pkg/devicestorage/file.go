package devicestorage

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileBlob keeps the blob in a single file. Writes go to a temporary file in the
// same directory which is then renamed over the target, so readers never observe
// a half-written registry.
type FileBlob struct {
	path string
}

func NewFileBlob(path string) (*FileBlob, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}
	return &FileBlob{path: filepath.Clean(path)}, nil
}

func (b *FileBlob) Path() string {
	return b.path
}

func (b *FileBlob) ReadAll(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", b.path)
	}
	return data, nil
}

func (b *FileBlob) WriteAll(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrapf(err, "failed to create storage dir %s", dir)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(b.path)+".*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to write temp file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to sync temp file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "failed to close temp file")
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		return errors.Wrap(err, "failed to chmod temp file")
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return errors.Wrapf(err, "failed to replace %s", b.path)
	}
	return nil
}
