// Package discovery resolves an authority host to its environment alias set
// and caches the result for the process lifetime.
//
// Every alias of one authority family maps to a single preferred cache host,
// which is the canonical partition key for all cached credentials. Resolving
// before any cache lookup is what makes a token cached via alias X visible
// to a request via alias Y.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// RegionEnvVar is the environment variable carrying a region hint for
// regional token endpoints, typically set by a managed-identity host.
const RegionEnvVar = "REGION_NAME"

// maxResponseSize bounds the instance discovery response body.
const maxResponseSize = 1 << 20

// MetadataEntry describes one authority family: the host to talk to, the
// host that keys the cache partition, and every known alias.
//
// Invariant: all aliases of one family share the same PreferredCache host.
type MetadataEntry struct {
	PreferredNetwork string   `json:"preferred_network"`
	PreferredCache   string   `json:"preferred_cache"`
	Aliases          []string `json:"aliases"`
}

// HasAlias reports whether host belongs to this family.
func (e *MetadataEntry) HasAlias(host string) bool {
	for _, a := range e.Aliases {
		if strings.EqualFold(a, host) {
			return true
		}
	}
	return false
}

// wellKnownEntries covers the clouds the library knows without a network
// round trip.
var wellKnownEntries = []MetadataEntry{
	{
		PreferredNetwork: "login.microsoftonline.com",
		PreferredCache:   "login.windows.net",
		Aliases: []string{
			"login.microsoftonline.com",
			"login.windows.net",
			"login.microsoft.com",
			"sts.windows.net",
		},
	},
	{
		PreferredNetwork: "login.partner.microsoftonline.cn",
		PreferredCache:   "login.partner.microsoftonline.cn",
		Aliases: []string{
			"login.partner.microsoftonline.cn",
			"login.chinacloudapi.cn",
		},
	},
	{
		PreferredNetwork: "login.microsoftonline.us",
		PreferredCache:   "login.microsoftonline.us",
		Aliases: []string{
			"login.microsoftonline.us",
			"login.usgovcloudapi.net",
		},
	},
	{
		PreferredNetwork: "login.microsoftonline.de",
		PreferredCache:   "login.microsoftonline.de",
		Aliases:          []string{"login.microsoftonline.de"},
	},
}

// instanceResponse is the wire shape of the instance discovery endpoint.
type instanceResponse struct {
	TenantDiscoveryEndpoint string          `json:"tenant_discovery_endpoint"`
	Metadata                []MetadataEntry `json:"metadata"`
	Error                   string          `json:"error,omitempty"`
	ErrorDescription        string          `json:"error_description,omitempty"`
}

// Cache resolves authority hosts to metadata entries. Results are cached for
// the process lifetime; concurrent resolutions of the same host share one
// network call. Construct once per application instance and Reset in tests.
type Cache struct {
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.RWMutex
	entries map[string]*MetadataEntry // host -> entry (every alias is a key)

	group singleflight.Group
}

// NewCache creates an instance discovery cache pre-seeded with the
// well-known cloud table. A nil httpClient gets a 10 second timeout default.
func NewCache(httpClient *http.Client, logger *slog.Logger) *Cache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		httpClient: httpClient,
		logger:     logger,
		entries:    make(map[string]*MetadataEntry),
	}
	c.seedWellKnown()
	return c
}

func (c *Cache) seedWellKnown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range wellKnownEntries {
		entry := wellKnownEntries[i]
		for _, alias := range entry.Aliases {
			c.entries[strings.ToLower(alias)] = &entry
		}
	}
}

// Reset restores the cache to its freshly constructed state. For tests.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string]*MetadataEntry)
	c.mu.Unlock()
	c.seedWellKnown()
}

// Resolve maps an authority to its metadata entry.
//
// A host already in the table is answered without a network call when
// validation is not requested; this is the avoid-network optimization and
// forceValidation overrides it. An unknown host without validation is
// answered with a self-aliased entry, also without network. Otherwise one
// instance discovery round trip runs (deduplicated across concurrent
// callers) and its result is cached for the process lifetime.
func (c *Cache) Resolve(ctx context.Context, authority *Authority, forceValidation bool) (*MetadataEntry, error) {
	host := strings.ToLower(authority.Host)

	if !forceValidation {
		c.mu.RLock()
		entry, ok := c.entries[host]
		c.mu.RUnlock()
		if ok {
			return entry, nil
		}
		if !authority.ValidateInstance {
			entry := &MetadataEntry{
				PreferredNetwork: host,
				PreferredCache:   host,
				Aliases:          []string{host},
			}
			c.mu.Lock()
			c.entries[host] = entry
			c.mu.Unlock()
			return entry, nil
		}
	}

	v, err, _ := c.group.Do(host, func() (any, error) {
		return c.fetch(ctx, authority)
	})
	if err != nil {
		return nil, err
	}
	return v.(*MetadataEntry), nil
}

// fetch performs the instance discovery round trip and installs every alias
// of every returned family into the table.
func (c *Cache) fetch(ctx context.Context, authority *Authority) (*MetadataEntry, error) {
	host := strings.ToLower(authority.Host)
	endpoint := fmt.Sprintf("https://%s/common/discovery/instance", host)

	q := url.Values{}
	q.Set("api-version", "1.1")
	q.Set("authorization_endpoint", authority.AuthorizeEndpoint(""))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building instance discovery request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("instance discovery request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close discovery response body", "error", err)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading instance discovery response: %w", err)
	}

	var parsed instanceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing instance discovery response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || parsed.Error != "" {
		return nil, fmt.Errorf("authority %q failed instance discovery (status %d): %s %s",
			host, resp.StatusCode, parsed.Error, parsed.ErrorDescription)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var match *MetadataEntry
	for i := range parsed.Metadata {
		entry := parsed.Metadata[i]
		for _, alias := range entry.Aliases {
			c.entries[strings.ToLower(alias)] = &entry
		}
		if entry.HasAlias(host) {
			match = &entry
		}
	}
	if match == nil {
		// The service validated the authority but did not list it;
		// treat the host as its own family.
		match = &MetadataEntry{
			PreferredNetwork: host,
			PreferredCache:   host,
			Aliases:          []string{host},
		}
		c.entries[host] = match
	}

	c.logger.Debug("Instance discovery completed",
		"host", host, "families", len(parsed.Metadata))
	return match, nil
}

// Region returns the regional hint from the environment, if any. Consumed
// during endpoint resolution for managed-identity scenarios.
func Region() string {
	return strings.TrimSpace(os.Getenv(RegionEnvVar))
}
