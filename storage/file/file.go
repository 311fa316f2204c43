// Package file provides the on-disk cache blob backend.
//
// Writes are atomic (write to a temp file, then rename) so a concurrent
// reader never observes a partial blob. The backend optionally seals the
// blob at rest and watches the file for writes by other processes, letting
// the client invalidate its warm in-memory copy.
package file

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/giantswarm/authclient/storage"
)

// Backend stores the cache blob in a single file.
type Backend struct {
	path      string
	encryptor *storage.Encryptor
	logger    *slog.Logger

	mu        sync.Mutex
	callbacks []func()
	selfWrite bool

	watcher *fsnotify.Watcher
	done    chan struct{}
	stopped sync.Once
}

// Compile-time interface checks.
var (
	_ storage.Backend        = (*Backend)(nil)
	_ storage.ChangeNotifier = (*Backend)(nil)
)

// Options configures the file backend.
type Options struct {
	// EncryptionSecret, when non-empty, seals the blob at rest with a key
	// derived from it.
	EncryptionSecret []byte

	// Watch enables external-change detection via the OS file watcher.
	Watch bool

	// Logger for structured logging; nil uses slog.Default().
	Logger *slog.Logger
}

// New creates a file backend at path, creating parent directories as
// needed.
func New(path string, opts Options) (*Backend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving cache path %q: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	encryptor, err := storage.NewEncryptor(opts.EncryptionSecret, abs)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		path:      abs,
		encryptor: encryptor,
		logger:    logger,
		done:      make(chan struct{}),
	}

	if opts.Watch {
		if err := b.startWatcher(); err != nil {
			// Watching is an optimization; the cache stays correct
			// through the cross-process lock without it.
			logger.Warn("Cache file watching unavailable", "path", abs, "error", err)
		}
	}
	return b, nil
}

// Location returns the absolute cache file path.
func (b *Backend) Location() string {
	return b.path
}

// Load reads and unseals the blob. A missing file yields nil data.
func (b *Backend) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	plain, err := b.encryptor.Decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("unsealing cache file: %w", err)
	}
	return plain, nil
}

// Save seals the blob and replaces the file atomically.
func (b *Backend) Save(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sealed, err := b.encryptor.Encrypt(data)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.selfWrite = true
	b.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".cache-*")
	if err != nil {
		return fmt.Errorf("creating temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(sealed); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing cache file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("restricting cache file permissions: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing cache file: %w", err)
	}
	return nil
}

// OnExternalChange registers a callback fired when another process writes
// the cache file.
func (b *Backend) OnExternalChange(cb func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, cb)
}

// Close stops the file watcher.
func (b *Backend) Close() error {
	var err error
	b.stopped.Do(func() {
		close(b.done)
		if b.watcher != nil {
			err = b.watcher.Close()
		}
	})
	return err
}

// startWatcher watches the cache directory; watching the directory instead
// of the file survives the rename-based atomic writes.
func (b *Backend) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(b.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	b.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != b.path {
					continue
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
					continue
				}
				b.handleChange()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				b.logger.Warn("Cache file watcher error", "error", err)
			case <-b.done:
				return
			}
		}
	}()
	return nil
}

// handleChange fires callbacks unless this process caused the event.
func (b *Backend) handleChange() {
	b.mu.Lock()
	if b.selfWrite {
		b.selfWrite = false
		b.mu.Unlock()
		return
	}
	callbacks := make([]func(), len(b.callbacks))
	copy(callbacks, b.callbacks)
	b.mu.Unlock()

	if len(callbacks) > 0 {
		b.logger.Debug("Cache file changed externally", "path", b.path)
	}
	for _, cb := range callbacks {
		cb()
	}
}
