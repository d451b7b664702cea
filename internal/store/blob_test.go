package store

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStores(t *testing.T) {
	impls := map[string]func(t *testing.T) BlobStore{
		"file": func(t *testing.T) BlobStore {
			b, err := NewFileBlobStore(t.TempDir())
			require.NoError(t, err)
			return b
		},
		"memory": func(t *testing.T) BlobStore { return NewMemoryBlobStore() },
	}

	for name, open := range impls {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)

			ref, err := b.Put(ctx, strings.NewReader("Subject: hi\r\n\r\nbody\r\n"))
			require.NoError(t, err)
			require.NotEmpty(t, ref)

			rc, err := b.Open(ctx, ref)
			require.NoError(t, err)
			data, err := io.ReadAll(rc)
			require.NoError(t, rc.Close())
			require.NoError(t, err)
			assert.Equal(t, "Subject: hi\r\n\r\nbody\r\n", string(data))

			require.NoError(t, b.Delete(ctx, ref))
			require.NoError(t, b.Delete(ctx, ref))

			_, err = b.Open(ctx, ref)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFileBlobStoreLayout(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBlobStore(dir)
	require.NoError(t, err)

	ref, err := b.Put(context.Background(), strings.NewReader("content"))
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "data", ref))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Join(dir, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries, "staging files are renamed away")
}

func TestFileBlobStoreRejectsForgedRefs(t *testing.T) {
	b, err := NewFileBlobStore(t.TempDir())
	require.NoError(t, err)

	for _, ref := range []string{"../../etc/passwd", "", "data", "/etc/passwd", "ok/../../x"} {
		_, err := b.Open(context.Background(), ref)
		assert.ErrorIs(t, err, ErrInvalidRef, ref)
		assert.ErrorIs(t, b.Delete(context.Background(), ref), ErrInvalidRef, ref)
	}
}

func TestBlobPutCancelled(t *testing.T) {
	b, err := NewFileBlobStore(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Put(ctx, strings.NewReader("content"))
	assert.ErrorIs(t, err, context.Canceled)
}
