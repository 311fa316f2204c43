package storage

import "context"

// Backend persists the token cache blob at one storage location: a file, an
// OS keychain, or a developer-supplied store.
//
// Load returns nil data (and a nil error) when nothing has been stored yet.
// Save replaces the entire blob; partial writes must never become visible to
// a concurrent Load.
type Backend interface {
	// Load reads the current blob, or nil if none exists.
	Load(ctx context.Context) ([]byte, error)

	// Save atomically replaces the blob.
	Save(ctx context.Context, data []byte) error

	// Location identifies the storage location. It seeds the
	// cross-process lock name, so it must be stable across processes
	// sharing the store.
	Location() string
}

// ChangeNotifier is implemented by backends that can detect writes made by
// other processes. The client uses the notification to mark its warm
// in-memory model stale.
type ChangeNotifier interface {
	// OnExternalChange registers a callback fired after the stored blob
	// changes underneath this process.
	OnExternalChange(func())
}
