package binding

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultRotationInterval is how often bindings are proactively replaced.
// Rotation runs well ahead of entry expiry so a binding never lapses while
// in use.
const DefaultRotationInterval = 8 * time.Hour

// Generator produces a fresh binding entry for a key. Supplied by the
// platform services layer (key vault, TPM, in-memory keys in tests).
type Generator func(key Key) (*Entry, error)

// RotationCallback is invoked after a binding has been replaced.
type RotationCallback func(key Key, entry *Entry)

// Rotator replaces every cached binding on a fixed interval. It is a
// background concern layered on the cache, not a property of any entry.
// Construct one per application instance and Stop it on shutdown.
type Rotator struct {
	cache    *Cache
	generate Generator
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	callbacks []RotationCallback

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRotator creates a rotator over cache. A non-positive interval uses
// DefaultRotationInterval. Call Start to begin the background loop.
func NewRotator(cache *Cache, generate Generator, interval time.Duration, logger *slog.Logger) *Rotator {
	if interval <= 0 {
		interval = DefaultRotationInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Rotator{
		cache:    cache,
		generate: generate,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// OnRotation registers a callback invoked for each rotated binding.
func (r *Rotator) OnRotation(cb RotationCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Start launches the background rotation loop.
func (r *Rotator) Start() {
	go r.loop()
}

// Stop terminates the background loop. Idempotent.
func (r *Rotator) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Rotator) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.RotateAll(time.Now())
		case <-r.stop:
			return
		}
	}
}

// RotateAll replaces every binding currently in the cache and prunes
// whatever expired in the meantime. Exposed so tests and callers forcing an
// early rotation do not depend on the ticker.
func (r *Rotator) RotateAll(now time.Time) {
	for _, key := range r.cache.Keys() {
		entry, err := r.generate(key)
		if err != nil {
			// Keep the old binding; it is still valid until expiry
			// and the next tick retries.
			r.logger.Warn("Binding rotation failed, keeping previous entry",
				"key", key.String(), "error", err)
			continue
		}
		r.cache.Put(key, entry)
		r.notify(key, entry)
		r.logger.Debug("Rotated credential binding",
			"key", key.String(), "key_id", entry.KeyID, "expires_at", entry.ExpiresAt)
	}
	r.cache.Prune(now)
}

func (r *Rotator) notify(key Key, entry *Entry) {
	r.mu.Lock()
	callbacks := make([]RotationCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.Unlock()
	for _, cb := range callbacks {
		cb(key, entry)
	}
}
