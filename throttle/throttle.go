// Package throttle implements client-side backoff after authorization-server
// failures.
//
// Before a token-endpoint call the orchestrator checks the gate with the
// request's signature. While a recorded failure's backoff window is open the
// gate replays the previous error without any network traffic, so a
// retry-looping application cannot hammer an already struggling server.
// Entries live only in process memory and are never persisted.
package throttle

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBackoff applies when the server gives no Retry-After hint.
	DefaultBackoff = 60 * time.Second

	// MaxBackoff caps any backoff window, hinted or not.
	MaxBackoff = 3600 * time.Second

	// cleanupInterval is how often expired entries are swept.
	cleanupInterval = 5 * time.Minute
)

// entry records one failure and the window during which it is replayed.
type entry struct {
	err          error
	recordedAt   time.Time
	backoffUntil time.Time
}

// Gate is a process-wide throttling table. Construct one per application
// instance and share it across requests; Reset restores a clean slate in
// tests.
type Gate struct {
	mu      sync.Mutex
	entries map[string]entry

	now    func() time.Time
	logger *slog.Logger

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewGate creates a throttling gate with a background sweep of expired
// entries. Call Stop when the owning client shuts down.
func NewGate(logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		entries:     make(map[string]entry),
		now:         time.Now,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}
	go g.cleanupLoop()
	return g
}

// SetClock overrides the gate's time source. For tests.
func (g *Gate) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// Check returns the previously recorded error and true while the backoff
// window for sig is open. The caller must wrap the replayed error so it is
// distinguishable from a fresh failure.
func (g *Gate) Check(sig string) (error, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[sig]
	if !ok {
		return nil, false
	}
	if !g.now().Before(e.backoffUntil) {
		delete(g.entries, sig)
		return nil, false
	}
	return e.err, true
}

// RecordFailure installs (or extends) the backoff window for sig. retryAfter
// is the server's hint; zero or negative falls back to DefaultBackoff and
// everything is capped at MaxBackoff.
func (g *Gate) RecordFailure(sig string, err error, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = DefaultBackoff
	}
	if retryAfter > MaxBackoff {
		retryAfter = MaxBackoff
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.entries[sig] = entry{
		err:          err,
		recordedAt:   now,
		backoffUntil: now.Add(retryAfter),
	}
	g.logger.Debug("Recorded throttling entry",
		"signature", sig[:8], "backoff", retryAfter)
}

// RecordSuccess clears any entry for sig.
func (g *Gate) RecordSuccess(sig string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, sig)
}

// Reset drops every entry. For tests.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries = make(map[string]entry)
}

// Stop terminates the background sweep.
func (g *Gate) Stop() {
	g.stopOnce.Do(func() { close(g.stopCleanup) })
}

func (g *Gate) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.sweep()
		case <-g.stopCleanup:
			return
		}
	}
}

func (g *Gate) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	removed := 0
	for sig, e := range g.entries {
		if !now.Before(e.backoffUntil) {
			delete(g.entries, sig)
			removed++
		}
	}
	if removed > 0 {
		g.logger.Debug("Swept expired throttling entries", "removed", removed)
	}
}

// signatureParams is the subset of token request body parameters that
// identifies a request shape for throttling purposes. Secrets and
// per-attempt values (assertions, correlation ids) are deliberately absent.
var signatureParams = map[string]struct{}{
	"client_id":  {},
	"grant_type": {},
	"scope":      {},
	"username":   {},
	"resource":   {},
	"tenant":     {},
}

// Signature computes the throttling key for one token request: the endpoint
// plus the identifying body parameters, hashed so the key never carries
// credentials.
func Signature(endpoint string, body url.Values) string {
	keys := make([]string, 0, len(body))
	for k := range body {
		if _, ok := signatureParams[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(strings.ToLower(endpoint))
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.ToLower(strings.Join(body[k], " ")))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
