// Package authclient implements client-side OAuth2/OIDC token acquisition
// with a persistent, multi-process-safe token cache.
//
// This package provides the acquisition orchestration and cache engine for
// applications that obtain tokens from an OAuth2/OIDC authority: the
// cache-first silent flow with refresh-token fallback (including family
// refresh tokens shared across suite applications), interactive and broker
// flows through pluggable collaborators, and the app-only client
// credentials flow. It never renders UI and never persists by itself to a
// fixed location; storage backends and UI surfaces plug in.
//
// The Client type delegates to specialized packages:
//   - Cache records, matching and serialization (cache package)
//   - Authority instance discovery and aliasing (discovery package)
//   - Token endpoint failure backoff (throttle package)
//   - PoP/mTLS credential bindings (binding package)
//   - Cache blob persistence (storage package)
//
// Key Features:
//   - Scope-superset cache matching with deterministic tie-breaking
//   - Environment aliasing so tokens survive authority alias changes
//   - Cross-process cache locking that fails open, never deadlocking UX
//   - Request-shape throttling that replays recent failures offline
//   - Forward-compatible cache serialization preserving unknown fields
//   - Optional encryption at rest for file-backed caches
//
// Example usage:
//
//	backend, _ := file.New("/home/me/.cache/app/tokens.bin", file.Options{})
//
//	client, err := authclient.New(authclient.Config{
//	    ClientID:  "my-client-id",
//	    Authority: "https://login.microsoftonline.com/my-tenant",
//	    Storage:   backend,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	accounts, _ := client.Accounts(ctx)
//	result, err := client.AcquireTokenSilent(ctx, &authclient.SilentRequest{
//	    Scopes:  []string{"user.read"},
//	    Account: accounts[0],
//	})
package authclient
