package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// BlobStore holds message content addressed by an opaque reference.
type BlobStore interface {
	Put(ctx context.Context, r io.Reader) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

// ErrInvalidRef is returned for blob references this store never issued.
var ErrInvalidRef = errors.New("invalid blob reference")

// FileBlobStore stores each blob as a file. Blobs are staged in tmp/ and
// renamed into data/ so a reader never sees a partial write.
type FileBlobStore struct {
	dir string
}

// NewFileBlobStore creates the directory layout under dir.
func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if dir == "" {
		return nil, errors.New("blob directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("invalid blob directory: %w", err)
	}
	for _, sub := range []string{"data", "tmp"} {
		if err := os.MkdirAll(filepath.Join(abs, sub), 0700); err != nil {
			return nil, fmt.Errorf("failed to create blob directory: %w", err)
		}
	}
	return &FileBlobStore{dir: abs}, nil
}

// Put writes content and returns its reference.
func (b *FileBlobStore) Put(ctx context.Context, r io.Reader) (string, error) {
	ref := uuid.New().String()

	tmp, err := os.CreateTemp(filepath.Join(b.dir, "tmp"), ref+"-*")
	if err != nil {
		return "", fmt.Errorf("failed to create blob file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := io.Copy(tmp, readerWithContext(ctx, r)); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to set blob permissions: %w", err)
	}
	if err := os.Rename(tmpPath, b.path(ref)); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return ref, nil
}

// Open returns the content of a blob.
func (b *FileBlobStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	f, err := os.Open(b.path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (b *FileBlobStore) Delete(ctx context.Context, ref string) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	if err := os.Remove(b.path(ref)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

func (b *FileBlobStore) path(ref string) string {
	return filepath.Join(b.dir, "data", ref)
}

// validateRef only accepts the UUIDs Put hands out, which rules out path
// traversal through a forged reference.
func validateRef(ref string) error {
	if _, err := uuid.Parse(ref); err != nil || filepath.Base(ref) != ref {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}

// MemoryBlobStore keeps blobs in memory.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (m *MemoryBlobStore) Put(ctx context.Context, r io.Reader) (string, error) {
	data, err := io.ReadAll(readerWithContext(ctx, r))
	if err != nil {
		return "", fmt.Errorf("failed to read blob: %w", err)
	}
	ref := uuid.New().String()
	m.mu.Lock()
	m.blobs[ref] = data
	m.mu.Unlock()
	return ref, nil
}

func (m *MemoryBlobStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.blobs[ref]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", ref, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryBlobStore) Delete(ctx context.Context, ref string) error {
	m.mu.Lock()
	delete(m.blobs, ref)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored blobs.
func (m *MemoryBlobStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
