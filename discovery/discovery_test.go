package discovery

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func TestParseAuthority(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantHost   string
		wantTenant string
		wantErr    bool
	}{
		{"tenant authority", "https://login.microsoftonline.com/contoso.onmicrosoft.com", "login.microsoftonline.com", "contoso.onmicrosoft.com", false},
		{"common default", "https://login.microsoftonline.com", "login.microsoftonline.com", "common", false},
		{"trailing slash", "https://login.microsoftonline.com/tenant-a/", "login.microsoftonline.com", "tenant-a", false},
		{"case normalized", "https://LOGIN.Microsoftonline.COM/Tenant-A", "login.microsoftonline.com", "tenant-a", false},
		{"http rejected", "http://login.microsoftonline.com/x", "", "", true},
		{"empty rejected", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAuthority(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAuthority(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got.Host != tt.wantHost || got.Tenant != tt.wantTenant {
				t.Errorf("ParseAuthority(%q) = %s/%s, want %s/%s",
					tt.raw, got.Host, got.Tenant, tt.wantHost, tt.wantTenant)
			}
		})
	}
}

func TestAuthority_TokenEndpoint(t *testing.T) {
	a := &Authority{Host: "login.microsoftonline.com", Tenant: "tenant-a"}

	if got, want := a.TokenEndpoint(""), "https://login.microsoftonline.com/tenant-a/oauth2/v2.0/token"; got != want {
		t.Errorf("TokenEndpoint() = %q, want %q", got, want)
	}
	if got := a.TokenEndpoint("centralus"); !strings.HasPrefix(got, "https://centralus.login.microsoftonline.com/") {
		t.Errorf("regional TokenEndpoint() = %q, want centralus prefix", got)
	}
}

func TestCache_WellKnownAliasesSharePartition(t *testing.T) {
	c := NewCache(nil, slog.Default())
	ctx := context.Background()

	a1, err := c.Resolve(ctx, &Authority{Host: "login.microsoftonline.com", Tenant: "common"}, false)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	a2, err := c.Resolve(ctx, &Authority{Host: "sts.windows.net", Tenant: "common"}, false)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if a1.PreferredCache != a2.PreferredCache {
		t.Errorf("aliases of one cloud must share a cache partition: %q vs %q",
			a1.PreferredCache, a2.PreferredCache)
	}
}

func TestCache_UnknownHostWithoutValidationAvoidsNetwork(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := NewCache(srv.Client(), slog.Default())
	entry, err := c.Resolve(context.Background(), &Authority{Host: "login.contoso.dev", Tenant: "common"}, false)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if entry.PreferredCache != "login.contoso.dev" {
		t.Errorf("PreferredCache = %q, want the host itself", entry.PreferredCache)
	}
	if calls.Load() != 0 {
		t.Error("resolution without validation must not hit the network")
	}
}

func TestCache_NetworkFetchCachedAndDeduplicated(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/common/discovery/instance", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"tenant_discovery_endpoint": "https://login.contoso.dev/common/.well-known/openid-configuration",
			"metadata": [{
				"preferred_network": "login.contoso.dev",
				"preferred_cache": "cache.contoso.dev",
				"aliases": ["login.contoso.dev", "cache.contoso.dev", "sts.contoso.dev"]
			}]
		}`))
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	c := NewCache(srv.Client(), slog.Default())
	auth := &Authority{Host: srv.Listener.Addr().String(), Tenant: "common", ValidateInstance: true}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Resolve(context.Background(), auth, false); err != nil {
				t.Errorf("Resolve() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("discovery calls = %d, want 1 (singleflight + process cache)", got)
	}

	// Second resolve after the flight completes must come from the table.
	if _, err := c.Resolve(context.Background(), auth, false); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("discovery calls after cached resolve = %d, want 1", got)
	}
}
