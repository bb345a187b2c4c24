package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// MemoryUploader stores blobs in memory, keyed by content hash. Used in
// single-node mode and tests.
type MemoryUploader struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemoryUploader() *MemoryUploader {
	return &MemoryUploader{
		blobs: make(map[string][]byte),
	}
}

func (u *MemoryUploader) Upload(ctx context.Context, raw []byte, mimeType string) (string, error) {
	sum := sha256.Sum256(raw)
	ref := "mem://" + hex.EncodeToString(sum[:16])

	u.mu.Lock()
	u.blobs[ref] = raw
	u.mu.Unlock()
	return ref, nil
}

// Get returns a stored blob, for tests.
func (u *MemoryUploader) Get(ref string) ([]byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	blob, ok := u.blobs[ref]
	return blob, ok
}

var _ Uploader = (*MemoryUploader)(nil)
