package devicestorage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBlob(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "profiles", "default.json")
	b, err := NewFileBlob(path)
	require.NoError(t, err)

	data, err := b.ReadAll(ctx)
	assert.NoError(t, err)
	assert.Nil(t, data)

	assert.NoError(t, b.WriteAll(ctx, []byte(`{"version":1}`)))
	data, err = b.ReadAll(ctx)
	assert.NoError(t, err)
	assert.Equal(t, `{"version":1}`, string(data))

	assert.NoError(t, b.WriteAll(ctx, []byte(`{"version":1,"sessions":[]}`)))
	data, err = b.ReadAll(ctx)
	assert.NoError(t, err)
	assert.Equal(t, `{"version":1,"sessions":[]}`, string(data))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileBlobRequiresPath(t *testing.T) {
	_, err := NewFileBlob("  ")
	assert.Error(t, err)
}

func TestInMemoryBlobFailures(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBlob([]byte("initial"))

	b.FailWrites(os.ErrPermission)
	assert.ErrorIs(t, b.WriteAll(ctx, []byte("next")), os.ErrPermission)
	data, err := b.ReadAll(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "initial", string(data))
	assert.Equal(t, 0, b.Writes())

	b.FailWrites(nil)
	assert.NoError(t, b.WriteAll(ctx, []byte("next")))
	assert.Equal(t, 1, b.Writes())

	b.FailReads(os.ErrClosed)
	_, err = b.ReadAll(ctx)
	assert.ErrorIs(t, err, os.ErrClosed)
}
