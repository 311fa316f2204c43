package authclient

import (
	"context"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/authclient/cache"
)

// Account is the public view of a signed-in user identity.
type Account struct {
	HomeAccountID  string
	Environment    string
	Realm          string
	LocalAccountID string
	Username       string
	Name           string
}

// AuthResult is the outcome of a successful token acquisition.
type AuthResult struct {
	AccessToken   string
	TokenType     string
	ExpiresOn     time.Time
	GrantedScopes []string
	Account       *Account
	IDToken       string
	// KeyID names the bound key for PoP and mTLS token types.
	KeyID string
	// CorrelationID ties this acquisition to provider-side logs.
	CorrelationID string
	// FromCache reports whether the token was served without a network
	// call.
	FromCache bool
}

// OAuth2Token renders the result as a golang.org/x/oauth2 token so it plugs
// into anything consuming that ecosystem.
func (r *AuthResult) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken: r.AccessToken,
		TokenType:   r.TokenType,
		Expiry:      r.ExpiresOn,
	}
}

// TokenResponse is the opaque wire shape of a token endpoint response,
// shared with external collaborators that perform their own exchanges.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	ExtExpiresIn int64  `json:"ext_expires_in,omitempty"`
	ClientInfo   string `json:"client_info,omitempty"`
	// FamilyID marks the refresh token as shared across a client family.
	FamilyID string `json:"foci,omitempty"`

	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
	SubError         string `json:"suberror,omitempty"`
	Claims           string `json:"claims,omitempty"`
}

// GrantedScopes returns the response scope as a normalized list.
func (t *TokenResponse) GrantedScopes() []string {
	return cache.NormalizeScopes(strings.Split(t.Scope, " "))
}

// SilentRequest asks for a token without user interaction: cache hit or
// refresh-token exchange.
type SilentRequest struct {
	Scopes  []string
	Account *Account
	// TenantID overrides the authority's realm for this request.
	TenantID string
	// ForceRefresh skips the cache probe and goes straight to the
	// refresh exchange.
	ForceRefresh bool
	// Claims is an additional claims challenge to forward; a non-empty
	// value bypasses the access-token cache.
	Claims string
	// TokenType selects the credential binding class (bearer by
	// default).
	TokenType string
}

// InteractiveRequest asks for a token through the interactive collaborator
// or broker.
type InteractiveRequest struct {
	Scopes      []string
	LoginHint   string
	TenantID    string
	Claims      string
	RedirectURI string
	TokenType   string
}

// ClientCredentialRequest asks for an app-only token using the confidential
// client's own credential.
type ClientCredentialRequest struct {
	Scopes   []string
	TenantID string
	Claims   string
	// SkipCache forces a network call even when a usable token is
	// cached.
	SkipCache bool
}

// CollaboratorOutcome tags the result of an external UI or broker call.
// Interaction problems are results to switch on, not errors to catch.
type CollaboratorOutcome int

const (
	// OutcomeSuccess carries a token response.
	OutcomeSuccess CollaboratorOutcome = iota
	// OutcomeUIRequired means this collaborator cannot finish silently;
	// the orchestrator escalates to the next branch or the caller.
	OutcomeUIRequired
	// OutcomeCancelled means the user abandoned the interaction.
	OutcomeCancelled
	// OutcomeFailure carries a hard error.
	OutcomeFailure
)

// CollaboratorResult is what an external collaborator returns.
type CollaboratorResult struct {
	Outcome CollaboratorOutcome
	// Response is set on OutcomeSuccess.
	Response *TokenResponse
	// Err is set on OutcomeFailure.
	Err error
}

// InteractiveCollaborator is the external UI surface (embedded or system
// web view). The core only decides when to invoke it and consumes its
// result.
type InteractiveCollaborator interface {
	Acquire(ctx context.Context, req *InteractiveRequest) (*CollaboratorResult, error)
}

// Broker is an OS-level trusted component able to authenticate on the
// library's behalf. When present and invokable it is preferred over the
// interactive collaborator.
type Broker interface {
	// IsInvokable reports whether the broker can serve the given
	// authority type (AAD, ADFS, MSA).
	IsInvokable(authorityType string) bool
	AcquireSilent(ctx context.Context, req *SilentRequest) (*CollaboratorResult, error)
	AcquireInteractive(ctx context.Context, req *InteractiveRequest) (*CollaboratorResult, error)
}
