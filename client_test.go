package authclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/authclient/binding"
	"github.com/giantswarm/authclient/cache"
	"github.com/giantswarm/authclient/storage/memory"
)

const (
	testClientID  = "client-a"
	testAuthority = "https://login.microsoftonline.com/tenant-a"
	testHomeID    = "uid1.utid1"
)

// countingTransport serves canned token endpoint responses and counts how
// many requests actually hit the wire.
type countingTransport struct {
	calls   atomic.Int64
	handler func(*http.Request) (*http.Response, error)
}

func (t *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	t.calls.Add(1)
	return t.handler(r)
}

func jsonResponse(status int, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(raw)),
	}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testIDToken(t *testing.T) string {
	t.Helper()
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		t.Fatalf("marshaling header: %v", err)
	}
	claims, err := json.Marshal(map[string]string{
		"sub":                "sub1",
		"oid":                "oid1",
		"tid":                "tenant-a",
		"preferred_username": "user@example.com",
		"name":               "Test User",
	})
	if err != nil {
		t.Fatalf("marshaling claims: %v", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(header) + "." + enc.EncodeToString(claims) + "." + enc.EncodeToString([]byte("sig"))
}

func testClientInfo(t *testing.T) string {
	t.Helper()
	raw, err := json.Marshal(clientInfo{UID: "uid1", UTID: "utid1"})
	if err != nil {
		t.Fatalf("marshaling client info: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

func newTestClient(t *testing.T, transport http.RoundTripper, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		ClientID:     testClientID,
		Authority:    testAuthority,
		ClientSecret: "s3cret",
		Storage:      memory.New(),
		HTTPClient:   &http.Client{Transport: transport},
		Logger:       testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestAcquireTokenForClientEndToEnd(t *testing.T) {
	transport := &countingTransport{handler: func(r *http.Request) (*http.Response, error) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parsing form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q, want client_credentials", got)
		}
		if got := r.PostForm.Get("client_secret"); got != "s3cret" {
			t.Errorf("client_secret = %q", got)
		}
		return jsonResponse(http.StatusOK, TokenResponse{
			AccessToken: "at-1",
			TokenType:   "Bearer",
			ExpiresIn:   3600,
			Scope:       "https://graph.example.com/.default",
		})
	}}
	backend := memory.New()
	client := newTestClient(t, transport, func(cfg *Config) { cfg.Storage = backend })

	ctx := context.Background()
	req := &ClientCredentialRequest{Scopes: []string{"https://graph.example.com/.default"}}

	result, err := client.AcquireTokenForClient(ctx, req)
	if err != nil {
		t.Fatalf("AcquireTokenForClient: %v", err)
	}
	if result.AccessToken != "at-1" {
		t.Errorf("AccessToken = %q, want at-1", result.AccessToken)
	}
	if result.FromCache {
		t.Error("first acquisition should not come from the cache")
	}
	if got := transport.calls.Load(); got != 1 {
		t.Fatalf("network calls after first acquisition = %d, want 1", got)
	}

	// Second request must be served from the warm cache.
	result, err = client.AcquireTokenForClient(ctx, req)
	if err != nil {
		t.Fatalf("second AcquireTokenForClient: %v", err)
	}
	if !result.FromCache {
		t.Error("second acquisition should come from the cache")
	}
	if got := transport.calls.Load(); got != 1 {
		t.Fatalf("network calls after second acquisition = %d, want 1", got)
	}

	// A fresh client over the same backend must be served from the
	// persisted cache without touching the network.
	client2 := newTestClient(t, transport, func(cfg *Config) { cfg.Storage = backend })
	result, err = client2.AcquireTokenForClient(ctx, req)
	if err != nil {
		t.Fatalf("AcquireTokenForClient on second client: %v", err)
	}
	if !result.FromCache {
		t.Error("second client should hit the persisted cache")
	}
	if got := transport.calls.Load(); got != 1 {
		t.Fatalf("network calls after second client = %d, want 1", got)
	}
}

func TestAcquireTokenForClientSkipCache(t *testing.T) {
	transport := &countingTransport{handler: func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, TokenResponse{
			AccessToken: "at-1", TokenType: "Bearer", ExpiresIn: 3600,
		})
	}}
	client := newTestClient(t, transport, nil)
	ctx := context.Background()

	if _, err := client.AcquireTokenForClient(ctx, &ClientCredentialRequest{Scopes: []string{"scope-a"}}); err != nil {
		t.Fatalf("AcquireTokenForClient: %v", err)
	}
	if _, err := client.AcquireTokenForClient(ctx, &ClientCredentialRequest{Scopes: []string{"scope-a"}, SkipCache: true}); err != nil {
		t.Fatalf("AcquireTokenForClient with SkipCache: %v", err)
	}
	if got := transport.calls.Load(); got != 2 {
		t.Fatalf("network calls = %d, want 2", got)
	}
}

func TestAcquireTokenForClientThrottlesRepeatedFailure(t *testing.T) {
	transport := &countingTransport{handler: func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusServiceUnavailable, TokenResponse{
			Error:            "temporarily_unavailable",
			ErrorDescription: "try again later",
		})
	}}
	client := newTestClient(t, transport, nil)
	ctx := context.Background()
	req := &ClientCredentialRequest{Scopes: []string{"scope-a"}}

	_, err := client.AcquireTokenForClient(ctx, req)
	var se *ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("first failure = %v, want *ServiceError", err)
	}
	if se.ErrorCode != "temporarily_unavailable" {
		t.Errorf("ErrorCode = %q", se.ErrorCode)
	}

	// The retry inside the backoff window must replay the failure
	// without another network call.
	_, err = client.AcquireTokenForClient(ctx, req)
	var te *ThrottledError
	if !errors.As(err, &te) {
		t.Fatalf("second failure = %v, want *ThrottledError", err)
	}
	if !errors.As(err, &se) {
		t.Error("throttled error should unwrap to the original service error")
	}
	if got := transport.calls.Load(); got != 1 {
		t.Fatalf("network calls = %d, want 1", got)
	}

	// A different request shape is not gated by the first one's window.
	_, err = client.AcquireTokenForClient(ctx, &ClientCredentialRequest{Scopes: []string{"scope-b"}})
	if errors.As(err, &te) {
		t.Error("distinct request should not be throttled")
	}
	if got := transport.calls.Load(); got != 2 {
		t.Fatalf("network calls = %d, want 2", got)
	}
}

// seedRefreshToken persists a cache blob holding an account and refresh
// token, simulating a prior sign-in found on disk.
func seedRefreshToken(t *testing.T, backend *memory.Backend, familyID string) {
	t.Helper()
	model := cache.NewModel()
	model.UpsertAccount(cache.AccountRecord{
		HomeAccountID: testHomeID,
		Environment:   "login.windows.net",
		Realm:         "tenant-a",
		Username:      "user@example.com",
		AuthorityType: cache.AuthorityTypeAAD,
	})
	clientID := testClientID
	if familyID != "" {
		// A family token cached by a sibling app.
		clientID = "sibling-app"
		model.UpsertAppMetadata(cache.AppMetadataRecord{
			Environment: "login.windows.net",
			ClientID:    testClientID,
			FamilyID:    familyID,
		})
	}
	model.UpsertRefreshToken(cache.RefreshTokenRecord{
		HomeAccountID:  testHomeID,
		Environment:    "login.windows.net",
		CredentialType: cache.CredentialTypeRefreshToken,
		ClientID:       clientID,
		Secret:         "rt-seeded",
		FamilyID:       familyID,
	})
	blob, err := cache.NewSerializer(testLogger()).Serialize(model)
	if err != nil {
		t.Fatalf("serializing seed model: %v", err)
	}
	if err := backend.Save(context.Background(), blob); err != nil {
		t.Fatalf("saving seed blob: %v", err)
	}
}

func TestAcquireTokenSilentRefreshesFromSeededCache(t *testing.T) {
	idToken := testIDToken(t)
	transport := &countingTransport{handler: func(r *http.Request) (*http.Response, error) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parsing form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "rt-seeded" {
			t.Errorf("refresh_token = %q, want rt-seeded", got)
		}
		return jsonResponse(http.StatusOK, TokenResponse{
			AccessToken:  "at-refreshed",
			RefreshToken: "rt-new",
			IDToken:      idToken,
			TokenType:    "Bearer",
			ExpiresIn:    3600,
			Scope:        "scope-a scope-b",
			ClientInfo:   testClientInfo(t),
		})
	}}
	backend := memory.New()
	seedRefreshToken(t, backend, "")
	client := newTestClient(t, transport, func(cfg *Config) { cfg.Storage = backend })

	ctx := context.Background()
	req := &SilentRequest{
		Scopes:  []string{"scope-a"},
		Account: &Account{HomeAccountID: testHomeID, Username: "user@example.com"},
	}

	result, err := client.AcquireTokenSilent(ctx, req)
	if err != nil {
		t.Fatalf("AcquireTokenSilent: %v", err)
	}
	if result.AccessToken != "at-refreshed" {
		t.Errorf("AccessToken = %q", result.AccessToken)
	}
	if result.FromCache {
		t.Error("refresh result should not be marked from cache")
	}
	if result.Account == nil || result.Account.Username != "user@example.com" {
		t.Errorf("Account = %+v, want user@example.com", result.Account)
	}
	if got := transport.calls.Load(); got != 1 {
		t.Fatalf("network calls = %d, want 1", got)
	}

	// The refreshed token now satisfies a subset request from cache.
	result, err = client.AcquireTokenSilent(ctx, &SilentRequest{
		Scopes:  []string{"scope-b"},
		Account: req.Account,
	})
	if err != nil {
		t.Fatalf("second AcquireTokenSilent: %v", err)
	}
	if !result.FromCache {
		t.Error("second acquisition should come from the cache")
	}
	if got := transport.calls.Load(); got != 1 {
		t.Fatalf("network calls after cache hit = %d, want 1", got)
	}
}

func TestAcquireTokenSilentFamilyFallback(t *testing.T) {
	transport := &countingTransport{handler: func(r *http.Request) (*http.Response, error) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parsing form: %v", err)
		}
		if got := r.PostForm.Get("refresh_token"); got != "rt-seeded" {
			t.Errorf("refresh_token = %q, want the family token", got)
		}
		return jsonResponse(http.StatusOK, TokenResponse{
			AccessToken: "at-1", TokenType: "Bearer", ExpiresIn: 3600, Scope: "scope-a",
			ClientInfo: testClientInfo(t),
		})
	}}
	backend := memory.New()
	seedRefreshToken(t, backend, "1")
	client := newTestClient(t, transport, func(cfg *Config) { cfg.Storage = backend })

	result, err := client.AcquireTokenSilent(context.Background(), &SilentRequest{
		Scopes:  []string{"scope-a"},
		Account: &Account{HomeAccountID: testHomeID},
	})
	if err != nil {
		t.Fatalf("AcquireTokenSilent: %v", err)
	}
	if result.AccessToken != "at-1" {
		t.Errorf("AccessToken = %q", result.AccessToken)
	}
	if got := transport.calls.Load(); got != 1 {
		t.Fatalf("network calls = %d, want 1", got)
	}
}

func TestAcquireTokenSilentEmptyCacheRequiresInteraction(t *testing.T) {
	transport := &countingTransport{handler: func(*http.Request) (*http.Response, error) {
		t.Error("unexpected network call")
		return jsonResponse(http.StatusInternalServerError, TokenResponse{})
	}}
	client := newTestClient(t, transport, nil)

	_, err := client.AcquireTokenSilent(context.Background(), &SilentRequest{
		Scopes:  []string{"scope-a"},
		Account: &Account{HomeAccountID: testHomeID},
	})
	var uiErr *UIRequiredError
	if !errors.As(err, &uiErr) {
		t.Fatalf("err = %v, want *UIRequiredError", err)
	}
	if got := transport.calls.Load(); got != 0 {
		t.Fatalf("network calls = %d, want 0", got)
	}
}

func TestAcquireTokenSilentInvalidGrantSurfacesUIRequired(t *testing.T) {
	transport := &countingTransport{handler: func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusBadRequest, TokenResponse{
			Error:    "invalid_grant",
			SubError: "bad_token",
		})
	}}
	backend := memory.New()
	seedRefreshToken(t, backend, "")
	client := newTestClient(t, transport, func(cfg *Config) { cfg.Storage = backend })

	_, err := client.AcquireTokenSilent(context.Background(), &SilentRequest{
		Scopes:  []string{"scope-a"},
		Account: &Account{HomeAccountID: testHomeID},
	})
	var uiErr *UIRequiredError
	if !errors.As(err, &uiErr) {
		t.Fatalf("err = %v, want *UIRequiredError", err)
	}
	if uiErr.SubError != "bad_token" {
		t.Errorf("SubError = %q, want bad_token", uiErr.SubError)
	}
}

// fixedCollaborator returns a canned result from its queue, one per call.
type fixedCollaborator struct {
	results []*CollaboratorResult
	calls   int
}

func (f *fixedCollaborator) Acquire(_ context.Context, _ *InteractiveRequest) (*CollaboratorResult, error) {
	if f.calls >= len(f.results) {
		return &CollaboratorResult{Outcome: OutcomeFailure, Err: errors.New("no more results")}, nil
	}
	res := f.results[f.calls]
	f.calls++
	return res, nil
}

func TestAcquireTokenInteractiveSuccessIsCached(t *testing.T) {
	transport := &countingTransport{handler: func(*http.Request) (*http.Response, error) {
		t.Error("unexpected network call")
		return jsonResponse(http.StatusInternalServerError, TokenResponse{})
	}}
	collaborator := &fixedCollaborator{results: []*CollaboratorResult{{
		Outcome: OutcomeSuccess,
		Response: &TokenResponse{
			AccessToken:  "at-interactive",
			RefreshToken: "rt-interactive",
			IDToken:      testIDToken(t),
			TokenType:    "Bearer",
			ExpiresIn:    3600,
			Scope:        "scope-a",
			ClientInfo:   testClientInfo(t),
		},
	}}}
	client := newTestClient(t, transport, func(cfg *Config) { cfg.Interactive = collaborator })

	ctx := context.Background()
	result, err := client.AcquireTokenInteractive(ctx, &InteractiveRequest{Scopes: []string{"scope-a"}})
	if err != nil {
		t.Fatalf("AcquireTokenInteractive: %v", err)
	}
	if result.AccessToken != "at-interactive" {
		t.Errorf("AccessToken = %q", result.AccessToken)
	}
	if result.Account == nil {
		t.Fatal("interactive result should carry the signed-in account")
	}

	// The interactive result must satisfy the next silent request.
	silent, err := client.AcquireTokenSilent(ctx, &SilentRequest{
		Scopes:  []string{"scope-a"},
		Account: result.Account,
	})
	if err != nil {
		t.Fatalf("AcquireTokenSilent after interactive: %v", err)
	}
	if !silent.FromCache {
		t.Error("silent call should be served from the cache")
	}
	if got := transport.calls.Load(); got != 0 {
		t.Fatalf("network calls = %d, want 0", got)
	}
}

func TestAcquireTokenInteractiveCancelled(t *testing.T) {
	collaborator := &fixedCollaborator{results: []*CollaboratorResult{{Outcome: OutcomeCancelled}}}
	client := newTestClient(t, http.DefaultTransport, func(cfg *Config) { cfg.Interactive = collaborator })

	_, err := client.AcquireTokenInteractive(context.Background(), &InteractiveRequest{Scopes: []string{"scope-a"}})
	if !errors.Is(err, ErrUserCancelled) {
		t.Fatalf("err = %v, want ErrUserCancelled", err)
	}
}

func TestAcquireTokenInteractiveWithoutCollaborator(t *testing.T) {
	client := newTestClient(t, http.DefaultTransport, nil)

	_, err := client.AcquireTokenInteractive(context.Background(), &InteractiveRequest{Scopes: []string{"scope-a"}})
	var ce *ClientError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *ClientError", err)
	}
}

// fixedBroker serves silent and interactive requests with canned results.
type fixedBroker struct {
	invokable   bool
	silent      *CollaboratorResult
	interactive *CollaboratorResult
}

func (b *fixedBroker) IsInvokable(string) bool { return b.invokable }

func (b *fixedBroker) AcquireSilent(_ context.Context, _ *SilentRequest) (*CollaboratorResult, error) {
	return b.silent, nil
}

func (b *fixedBroker) AcquireInteractive(_ context.Context, _ *InteractiveRequest) (*CollaboratorResult, error) {
	return b.interactive, nil
}

func TestBrokerServesSilentRequest(t *testing.T) {
	broker := &fixedBroker{
		invokable: true,
		silent: &CollaboratorResult{
			Outcome: OutcomeSuccess,
			Response: &TokenResponse{
				AccessToken: "at-broker", TokenType: "Bearer", ExpiresIn: 3600,
				Scope: "scope-a", ClientInfo: testClientInfo(t),
			},
		},
	}
	client := newTestClient(t, http.DefaultTransport, func(cfg *Config) { cfg.Broker = broker })

	result, err := client.AcquireTokenSilent(context.Background(), &SilentRequest{
		Scopes:  []string{"scope-a"},
		Account: &Account{HomeAccountID: testHomeID},
	})
	if err != nil {
		t.Fatalf("AcquireTokenSilent: %v", err)
	}
	if result.AccessToken != "at-broker" {
		t.Errorf("AccessToken = %q, want at-broker", result.AccessToken)
	}
}

func TestBrokerUIRequiredFallsBackToInteractive(t *testing.T) {
	broker := &fixedBroker{
		invokable:   true,
		interactive: &CollaboratorResult{Outcome: OutcomeUIRequired},
	}
	collaborator := &fixedCollaborator{results: []*CollaboratorResult{{
		Outcome: OutcomeSuccess,
		Response: &TokenResponse{
			AccessToken: "at-fallback", TokenType: "Bearer", ExpiresIn: 3600, Scope: "scope-a",
		},
	}}}
	client := newTestClient(t, http.DefaultTransport, func(cfg *Config) {
		cfg.Broker = broker
		cfg.Interactive = collaborator
	})

	result, err := client.AcquireTokenInteractive(context.Background(), &InteractiveRequest{Scopes: []string{"scope-a"}})
	if err != nil {
		t.Fatalf("AcquireTokenInteractive: %v", err)
	}
	if result.AccessToken != "at-fallback" {
		t.Errorf("AccessToken = %q, want at-fallback", result.AccessToken)
	}
	if collaborator.calls != 1 {
		t.Errorf("interactive collaborator calls = %d, want 1", collaborator.calls)
	}
}

func TestAccountsAndRemoveAccount(t *testing.T) {
	collaborator := &fixedCollaborator{results: []*CollaboratorResult{{
		Outcome: OutcomeSuccess,
		Response: &TokenResponse{
			AccessToken:  "at-1",
			RefreshToken: "rt-1",
			IDToken:      testIDToken(t),
			TokenType:    "Bearer",
			ExpiresIn:    3600,
			Scope:        "scope-a",
			ClientInfo:   testClientInfo(t),
		},
	}}}
	client := newTestClient(t, http.DefaultTransport, func(cfg *Config) { cfg.Interactive = collaborator })
	ctx := context.Background()

	if _, err := client.AcquireTokenInteractive(ctx, &InteractiveRequest{Scopes: []string{"scope-a"}}); err != nil {
		t.Fatalf("AcquireTokenInteractive: %v", err)
	}

	accounts, err := client.Accounts(ctx)
	if err != nil {
		t.Fatalf("Accounts: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("len(accounts) = %d, want 1", len(accounts))
	}
	if accounts[0].HomeAccountID != testHomeID {
		t.Errorf("HomeAccountID = %q, want %q", accounts[0].HomeAccountID, testHomeID)
	}
	if accounts[0].Username != "user@example.com" {
		t.Errorf("Username = %q", accounts[0].Username)
	}

	if err := client.RemoveAccount(ctx, accounts[0]); err != nil {
		t.Fatalf("RemoveAccount: %v", err)
	}
	accounts, err = client.Accounts(ctx)
	if err != nil {
		t.Fatalf("Accounts after removal: %v", err)
	}
	if len(accounts) != 0 {
		t.Fatalf("len(accounts) after removal = %d, want 0", len(accounts))
	}

	// With the account's tokens gone, silent acquisition needs UI again.
	_, err = client.AcquireTokenSilent(ctx, &SilentRequest{
		Scopes:  []string{"scope-a"},
		Account: &Account{HomeAccountID: testHomeID},
	})
	var uiErr *UIRequiredError
	if !errors.As(err, &uiErr) {
		t.Fatalf("err = %v, want *UIRequiredError", err)
	}
}

func TestRemoveAccountSurvivesPersistCycle(t *testing.T) {
	collaborator := &fixedCollaborator{results: []*CollaboratorResult{{
		Outcome: OutcomeSuccess,
		Response: &TokenResponse{
			AccessToken:  "at-1",
			RefreshToken: "rt-1",
			IDToken:      testIDToken(t),
			TokenType:    "Bearer",
			ExpiresIn:    3600,
			Scope:        "scope-a",
			ClientInfo:   testClientInfo(t),
		},
	}}}
	backend := memory.New()
	client := newTestClient(t, http.DefaultTransport, func(cfg *Config) {
		cfg.Storage = backend
		cfg.Interactive = collaborator
	})
	ctx := context.Background()

	result, err := client.AcquireTokenInteractive(ctx, &InteractiveRequest{Scopes: []string{"scope-a"}})
	if err != nil {
		t.Fatalf("AcquireTokenInteractive: %v", err)
	}
	if err := client.RemoveAccount(ctx, result.Account); err != nil {
		t.Fatalf("RemoveAccount: %v", err)
	}

	// The removal must be visible in the persisted blob, not just the
	// warm model: the read-merge-write cycle must not resurrect the
	// deleted records. A fresh client over the same backend checks the
	// blob directly.
	client2 := newTestClient(t, http.DefaultTransport, func(cfg *Config) { cfg.Storage = backend })
	accounts, err := client2.Accounts(ctx)
	if err != nil {
		t.Fatalf("Accounts on second client: %v", err)
	}
	if len(accounts) != 0 {
		t.Fatalf("len(accounts) on second client = %d, want 0", len(accounts))
	}
	_, err = client2.AcquireTokenSilent(ctx, &SilentRequest{
		Scopes:  []string{"scope-a"},
		Account: &Account{HomeAccountID: testHomeID},
	})
	var uiErr *UIRequiredError
	if !errors.As(err, &uiErr) {
		t.Fatalf("err = %v, want *UIRequiredError", err)
	}
}

func TestAcquireTokenSilentBoundTokenCarriesKeyID(t *testing.T) {
	transport := &countingTransport{handler: func(r *http.Request) (*http.Response, error) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parsing form: %v", err)
		}
		if got := r.PostForm.Get("req_cnf"); got != "kid-1" {
			t.Errorf("req_cnf = %q, want kid-1", got)
		}
		if got := r.PostForm.Get("token_type"); got != cache.TokenTypePoP {
			t.Errorf("token_type = %q, want %q", got, cache.TokenTypePoP)
		}
		// No client_info or id token in the response: the bound key
		// must still come from the request, not be re-derived from
		// response identity.
		return jsonResponse(http.StatusOK, TokenResponse{
			AccessToken: "at-pop",
			TokenType:   cache.TokenTypePoP,
			ExpiresIn:   3600,
			Scope:       "scope-a",
		})
	}}
	backend := memory.New()
	seedRefreshToken(t, backend, "")
	generated := 0
	client := newTestClient(t, transport, func(cfg *Config) {
		cfg.Storage = backend
		cfg.BindingGenerator = func(key binding.Key) (*binding.Entry, error) {
			generated++
			if key.TokenType != cache.TokenTypePoP {
				t.Errorf("generator key token type = %q, want %q", key.TokenType, cache.TokenTypePoP)
			}
			if key.IdentityID != testHomeID {
				t.Errorf("generator key identity = %q, want %q", key.IdentityID, testHomeID)
			}
			return &binding.Entry{
				KeyID:     "kid-1",
				IssuedAt:  time.Now(),
				ExpiresAt: time.Now().Add(time.Hour),
			}, nil
		}
	})

	result, err := client.AcquireTokenSilent(context.Background(), &SilentRequest{
		Scopes:    []string{"scope-a"},
		Account:   &Account{HomeAccountID: testHomeID},
		TokenType: cache.TokenTypePoP,
	})
	if err != nil {
		t.Fatalf("AcquireTokenSilent: %v", err)
	}
	if result.KeyID != "kid-1" {
		t.Errorf("KeyID = %q, want kid-1", result.KeyID)
	}
	if result.TokenType != cache.TokenTypePoP {
		t.Errorf("TokenType = %q, want %q", result.TokenType, cache.TokenTypePoP)
	}
	if generated != 1 {
		t.Errorf("binding generations = %d, want 1", generated)
	}
}

// failingBackend loads fine but refuses every save.
type failingBackend struct {
	memory.Backend
}

func (b *failingBackend) Save(context.Context, []byte) error {
	return errors.New("disk full")
}

func TestPersistFailureDoesNotFailAcquisition(t *testing.T) {
	transport := &countingTransport{handler: func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, TokenResponse{
			AccessToken: "at-1", TokenType: "Bearer", ExpiresIn: 3600,
		})
	}}
	client := newTestClient(t, transport, func(cfg *Config) { cfg.Storage = &failingBackend{} })

	result, err := client.AcquireTokenForClient(context.Background(), &ClientCredentialRequest{Scopes: []string{"scope-a"}})
	if err != nil {
		t.Fatalf("AcquireTokenForClient: %v", err)
	}
	if result.AccessToken != "at-1" {
		t.Errorf("AccessToken = %q", result.AccessToken)
	}
}

func TestTokenSource(t *testing.T) {
	transport := &countingTransport{handler: func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, TokenResponse{
			AccessToken: "at-ts", TokenType: "Bearer", ExpiresIn: 3600,
		})
	}}
	client := newTestClient(t, transport, nil)

	ts := client.TokenSource(context.Background(), []string{"scope-a"}, "")
	token, err := ts.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token.AccessToken != "at-ts" {
		t.Errorf("AccessToken = %q", token.AccessToken)
	}
	if !token.Expiry.After(time.Now()) {
		t.Error("token should not be expired")
	}

	// The second Token call is a cache hit.
	if _, err := ts.Token(); err != nil {
		t.Fatalf("second Token: %v", err)
	}
	if got := transport.calls.Load(); got != 1 {
		t.Fatalf("network calls = %d, want 1", got)
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing client id", Config{Authority: testAuthority}},
		{"missing authority", Config{ClientID: testClientID}},
		{"http authority", Config{ClientID: testClientID, Authority: "http://login.example.com/common"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Logger = testLogger()
			if _, err := New(tt.cfg); err == nil {
				t.Error("New should fail")
			}
		})
	}
}

func TestClientCredentialRequiresCredential(t *testing.T) {
	client := newTestClient(t, http.DefaultTransport, func(cfg *Config) { cfg.ClientSecret = "" })

	_, err := client.AcquireTokenForClient(context.Background(), &ClientCredentialRequest{Scopes: []string{"scope-a"}})
	var ce *ClientError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *ClientError", err)
	}
	if !strings.Contains(ce.Error(), "secret or assertion") {
		t.Errorf("message = %q", ce.Error())
	}
}
