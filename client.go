package authclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/giantswarm/authclient/binding"
	"github.com/giantswarm/authclient/cache"
	"github.com/giantswarm/authclient/discovery"
	"github.com/giantswarm/authclient/instrumentation"
	"github.com/giantswarm/authclient/internal/proclock"
	"github.com/giantswarm/authclient/storage"
	"github.com/giantswarm/authclient/throttle"
)

const defaultClockSkew = cache.DefaultClockSkew

// Client acquires, caches and refreshes OAuth2/OIDC tokens against one
// authority for one application. It is safe for concurrent use; multiple
// logical requests share the warm in-memory cache while cross-process
// safety comes from the lock around the persistence boundary.
type Client struct {
	cfg       Config
	authority *discovery.Authority

	discovery  *discovery.Cache
	endpoint   *tokenEndpointClient
	gate       *throttle.Gate
	bindings   *binding.Cache
	rotator    *binding.Rotator
	serializer *cache.Serializer
	backend    storage.Backend
	lock       *proclock.Lock
	instr      *instrumentation.Instrumentation

	logger *slog.Logger
	now    func() time.Time

	// loadMu serializes first-load and reload of the warm model.
	loadMu sync.Mutex
	model  *cache.Model
	loaded bool
	stale  atomic.Bool

	closeOnce sync.Once
}

// New creates a client from cfg. Call Close when done to stop background
// work.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	authority, err := discovery.ParseAuthority(cfg.Authority)
	if err != nil {
		return nil, NewClientError("invalid authority: %v", err)
	}
	authority.ValidateInstance = cfg.ValidateAuthority

	instr, err := instrumentation.New(cfg.Instrumentation)
	if err != nil {
		return nil, fmt.Errorf("initializing instrumentation: %w", err)
	}

	c := &Client{
		cfg:        cfg,
		authority:  authority,
		discovery:  discovery.NewCache(cfg.HTTPClient, cfg.Logger),
		gate:       throttle.NewGate(cfg.Logger),
		bindings:   binding.NewCache(cfg.Logger),
		serializer: cache.NewSerializer(cfg.Logger),
		backend:    cfg.Storage,
		instr:      instr,
		logger:     cfg.Logger,
		now:        time.Now,
		model:      cache.NewModel(),
	}
	c.endpoint = newTokenEndpointClient(cfg.HTTPClient, cfg.EndpointRate, cfg.EndpointBurst, cfg.Logger, instr)

	if c.backend != nil {
		c.lock = proclock.New(c.backend.Location(), cfg.LockTimeout, cfg.Logger)
		if notifier, ok := c.backend.(storage.ChangeNotifier); ok {
			notifier.OnExternalChange(func() { c.stale.Store(true) })
		}
	}

	if cfg.BindingGenerator != nil {
		c.rotator = binding.NewRotator(c.bindings, cfg.BindingGenerator, cfg.BindingRotationInterval, cfg.Logger)
		c.rotator.OnRotation(func(key binding.Key, _ *binding.Entry) {
			c.instr.Metrics().BindingRotations.Add(context.Background(), 1)
		})
		c.rotator.Start()
	}

	return c, nil
}

// Close stops background goroutines. The client must not be used after.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.gate.Stop()
		if c.rotator != nil {
			c.rotator.Stop()
		}
	})
}

// resolveAuthority resolves instance metadata for this request, applying a
// per-request tenant override. Failure here is terminal for the request: a
// token cannot even be addressed without a resolved authority.
func (c *Client) resolveAuthority(ctx context.Context, tenantOverride string) (*discovery.Authority, *discovery.MetadataEntry, error) {
	authority := &discovery.Authority{
		Host:             c.authority.Host,
		Tenant:           c.authority.Tenant,
		ValidateInstance: c.authority.ValidateInstance,
	}
	if tenantOverride != "" {
		authority.Tenant = tenantOverride
	}
	entry, err := c.discovery.Resolve(ctx, authority, c.cfg.ForceValidation)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving authority %q: %w", authority.URL(), err)
	}
	return authority, entry, nil
}

// ensureLoaded hydrates the warm model from the persisted blob on first use
// and whenever another process invalidated it. Corruption degrades to an
// empty model with a warning; it never fails an acquisition.
func (c *Client) ensureLoaded(ctx context.Context) {
	if c.backend == nil {
		return
	}
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if c.loaded && !c.stale.Swap(false) {
		return
	}

	guard := c.lock.Acquire(ctx)
	defer guard.Release()
	if !guard.Acquired() {
		c.instr.Metrics().LockTimeouts.Add(ctx, 1)
	}

	data, err := c.backend.Load(ctx)
	if err != nil {
		c.logger.Warn("Failed to load token cache, starting empty",
			"location", c.backend.Location(), "error", err)
		c.loaded = true
		return
	}
	model, err := c.serializer.Deserialize(data)
	if err != nil {
		c.logger.Warn("Token cache blob unreadable, starting empty",
			"location", c.backend.Location(), "error", err)
		model = cache.NewModel()
	}
	c.model.Replace(model)
	c.loaded = true
}

// persist writes the warm model back through the serializer under the
// cross-process lock. The cycle is read-merge-write so records another
// process added since our load survive. Removals are passed as mutations
// and re-applied after the merge, otherwise the absorbed external blob
// would resurrect the records just deleted. Persistence failure is logged
// but never fails an otherwise successful acquisition; the token is still
// usable this one time.
func (c *Client) persist(ctx context.Context, mutations ...func(*cache.Model)) {
	if c.backend == nil {
		return
	}
	m := c.instr.Metrics()

	guard := c.lock.Acquire(ctx)
	defer guard.Release()
	if !guard.Acquired() {
		m.LockTimeouts.Add(ctx, 1)
	}

	if data, err := c.backend.Load(ctx); err == nil {
		if external, err := c.serializer.Deserialize(data); err == nil {
			c.model.Absorb(external)
		}
	}
	for _, mutate := range mutations {
		mutate(c.model)
	}

	blob, err := c.serializer.Serialize(c.model)
	if err != nil {
		m.PersistFailures.Add(ctx, 1)
		c.logger.Warn("Failed to serialize token cache", "error", err)
		return
	}
	if err := c.backend.Save(ctx, blob); err != nil {
		m.PersistFailures.Add(ctx, 1)
		c.logger.Warn("Failed to persist token cache",
			"location", c.backend.Location(), "error", err)
	}
}

// clockSkew returns the configured expiry buffer.
func (c *Client) clockSkew() time.Duration {
	return c.cfg.ClockSkew
}

// authorityType classifies the authority for broker invokability. An
// authority whose tenant segment is "adfs" addresses an ADFS server;
// everything else the library talks to is AAD-shaped.
func authorityType(a *discovery.Authority) string {
	if a.Tenant == "adfs" {
		return cache.AuthorityTypeADFS
	}
	return cache.AuthorityTypeAAD
}
