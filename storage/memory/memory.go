// Package memory provides an in-memory cache blob backend for tests and
// embedding scenarios with no shared store.
package memory

import (
	"context"
	"sync"

	"github.com/giantswarm/authclient/storage"
)

// Backend holds the cache blob in process memory.
type Backend struct {
	mu   sync.RWMutex
	data []byte

	// Loads and Saves count backend operations, for tests asserting on
	// persistence behavior.
	Loads int
	Saves int
}

var _ storage.Backend = (*Backend)(nil)

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{}
}

// Load returns a copy of the stored blob, or nil if nothing was saved.
func (b *Backend) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Loads++
	if b.data == nil {
		return nil, nil
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out, nil
}

// Save replaces the stored blob.
func (b *Backend) Save(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Saves++
	b.data = make([]byte, len(data))
	copy(b.data, data)
	return nil
}

// Location identifies the in-memory store.
func (b *Backend) Location() string {
	return "memory"
}
