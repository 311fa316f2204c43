// Package proclock provides a named, timeout-bounded cross-process mutex
// guarding the persisted cache blob's read-modify-write cycle.
//
// The mutex is a lock file created with O_CREATE|O_EXCL next to a
// deterministic per-cache name, the one primitive that is atomic on every
// platform and filesystem the library targets. Acquisition is bounded: when
// the file cannot be claimed within the timeout the lock fails open and the
// caller proceeds at reduced safety instead of deadlocking. Stale lock files
// left behind by crashed processes are broken after a grace period.
package proclock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds one acquisition attempt.
	DefaultTimeout = 5 * time.Second

	// defaultPollInterval is the retry cadence while the file is held
	// elsewhere.
	defaultPollInterval = 50 * time.Millisecond

	// staleAfter is the age past which a lock file is considered
	// abandoned by a crashed process and broken.
	staleAfter = 1 * time.Minute
)

// Lock is a named cross-process mutex tied to one cache location. The name
// is derived from the normalized location so every process sharing a cache
// file derives the same lock, and two distinct cache files never collide.
type Lock struct {
	lockPath     string
	timeout      time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

// New creates a lock for the given cache location. A nil logger falls back
// to slog.Default(); a non-positive timeout uses DefaultTimeout.
func New(cacheLocation string, timeout time.Duration, logger *slog.Logger) *Lock {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Lock{
		lockPath:     lockPathFor(cacheLocation),
		timeout:      timeout,
		pollInterval: defaultPollInterval,
		logger:       logger,
	}
}

// lockPathFor derives the deterministic lock file path for a cache
// location. The location is normalized (absolute, cleaned, lowercased) so
// all spellings of one path agree, then hashed so the name is collision-free
// and filesystem-safe.
func lockPathFor(cacheLocation string) string {
	normalized := strings.ToLower(filepath.Clean(cacheLocation))
	if abs, err := filepath.Abs(normalized); err == nil {
		normalized = strings.ToLower(abs)
	}
	sum := sha256.Sum256([]byte(normalized))
	name := "authclient-" + hex.EncodeToString(sum[:8]) + ".lock"
	return filepath.Join(os.TempDir(), name)
}

// Guard is the result of an acquisition attempt. Release is idempotent and
// must run on every exit path; defer it immediately after Acquire.
type Guard struct {
	acquired bool
	path     string
	logger   *slog.Logger
}

// Acquired reports whether the process actually holds the mutex. A false
// value means the lock failed open and the caller is proceeding unguarded.
func (g *Guard) Acquired() bool {
	return g != nil && g.acquired
}

// Release drops the mutex. Safe to call on a non-acquired or already
// released guard.
func (g *Guard) Release() {
	if g == nil || !g.acquired {
		return
	}
	g.acquired = false
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		g.logger.Warn("Failed to remove cache lock file", "path", g.path, "error", err)
	}
}

// Acquire claims the mutex, waiting up to the configured timeout. It never
// returns an error: on timeout, cancellation, or an unusable platform it
// logs a warning and returns a non-acquired guard so persistence can still
// complete.
func (l *Lock) Acquire(ctx context.Context) *Guard {
	deadline := time.Now().Add(l.timeout)

	for {
		if l.tryClaim() {
			return &Guard{acquired: true, path: l.lockPath, logger: l.logger}
		}

		l.breakIfStale()

		if time.Now().After(deadline) {
			l.logger.Warn("Cache lock not acquired within timeout, proceeding unguarded",
				"path", l.lockPath, "timeout", l.timeout)
			return &Guard{}
		}
		select {
		case <-ctx.Done():
			l.logger.Warn("Cache lock acquisition cancelled, proceeding unguarded",
				"path", l.lockPath, "error", ctx.Err())
			return &Guard{}
		case <-time.After(l.pollInterval):
		}
	}
}

// tryClaim attempts one atomic O_CREATE|O_EXCL creation of the lock file.
func (l *Lock) tryClaim() bool {
	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return false
	}
	// Content is diagnostic only; exclusion comes from O_EXCL.
	fmt.Fprintf(f, "%d\n", os.Getpid())
	if err := f.Close(); err != nil {
		l.logger.Warn("Failed to close cache lock file", "path", l.lockPath, "error", err)
	}
	return true
}

// breakIfStale removes a lock file whose owner is presumed dead. Best
// effort: a racing remove by another waiter is harmless because claiming is
// still atomic.
func (l *Lock) breakIfStale() {
	info, err := os.Stat(l.lockPath)
	if err != nil {
		return
	}
	if time.Since(info.ModTime()) < staleAfter {
		return
	}
	if err := os.Remove(l.lockPath); err == nil {
		l.logger.Warn("Broke stale cache lock file", "path", l.lockPath, "age", time.Since(info.ModTime()))
	}
}
