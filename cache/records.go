package cache

import (
	"encoding/json"
	"strings"
	"time"
)

// Credential type discriminators stored in each secret-bearing record.
const (
	CredentialTypeAccessToken  = "AccessToken"
	CredentialTypeRefreshToken = "RefreshToken"
	CredentialTypeIDToken      = "IdToken"
)

// Token types an access token can be issued as. Bearer, proof-of-possession
// and SSH certificate tokens are never interchangeable at match time.
const (
	TokenTypeBearer  = "Bearer"
	TokenTypePoP     = "pop"
	TokenTypeSSHCert = "ssh-cert"
)

// Authority types recorded on accounts.
const (
	AuthorityTypeAAD   = "MSSTS"
	AuthorityTypeADFS  = "ADFS"
	AuthorityTypeMSA   = "MSA"
	AuthorityTypeOther = "Other"
)

// AccountRecord is the identity of a signed-in user. It is created from the
// first successful token response carrying an ID token, updated on re-auth,
// and removed on sign-out.
type AccountRecord struct {
	HomeAccountID  string `json:"home_account_id"`
	Environment    string `json:"environment"`
	Realm          string `json:"realm"`
	LocalAccountID string `json:"local_account_id"`
	Username       string `json:"username"`
	GivenName      string `json:"given_name,omitempty"`
	FamilyName     string `json:"family_name,omitempty"`
	Name           string `json:"name,omitempty"`
	AuthorityType  string `json:"authority_type"`
	// ClientInfo is the opaque base64 identity claim blob returned by the
	// identity provider. It is never interpreted beyond key construction.
	ClientInfo string `json:"client_info,omitempty"`

	// AdditionalFields carries record fields written by other (newer or
	// older) library versions. They survive a full round trip untouched.
	AdditionalFields map[string]json.RawMessage `json:"-"`
}

// Key returns the composite cache key for the account.
func (a AccountRecord) Key() string {
	return joinKey(a.HomeAccountID, a.Environment, a.Realm)
}

// AccessTokenRecord is one cached access token. Records are immutable once
// written; a fresher token for the same partition supersedes the old record
// under the same key rather than mutating it.
type AccessTokenRecord struct {
	HomeAccountID     string `json:"home_account_id"`
	Environment       string `json:"environment"`
	Realm             string `json:"realm"`
	CredentialType    string `json:"credential_type"`
	ClientID          string `json:"client_id"`
	Secret            string `json:"secret"`
	Target            string `json:"target"`
	TokenType         string `json:"token_type,omitempty"`
	KeyID             string `json:"key_id,omitempty"`
	CachedAt          int64  `json:"cached_at,string"`
	ExpiresOn         int64  `json:"expires_on,string"`
	ExtendedExpiresOn int64  `json:"extended_expires_on,string,omitempty"`

	AdditionalFields map[string]json.RawMessage `json:"-"`
}

// Key returns the composite cache key for the access token.
func (t AccessTokenRecord) Key() string {
	return joinKey(t.HomeAccountID, t.Environment, t.CredentialType, t.ClientID, t.Realm, t.Target)
}

// Scopes returns the token's target as a normalized scope set.
func (t AccessTokenRecord) Scopes() []string {
	return NormalizeScopes(strings.Split(t.Target, " "))
}

// Expired reports whether the token is past its expiry, with a clock-skew
// buffer so a token about to expire is not handed to a caller who cannot
// use it.
func (t AccessTokenRecord) Expired(now time.Time, skew time.Duration) bool {
	return !now.Add(skew).Before(time.Unix(t.ExpiresOn, 0))
}

// RefreshTokenRecord is one cached refresh token. At most one exists per
// (environment, client-or-family, home account).
type RefreshTokenRecord struct {
	HomeAccountID  string `json:"home_account_id"`
	Environment    string `json:"environment"`
	CredentialType string `json:"credential_type"`
	ClientID       string `json:"client_id"`
	Secret         string `json:"secret"`
	// FamilyID marks the token as shared across a family of client ids
	// (FOCI). A sibling client resolves it through AppMetadataRecord.
	FamilyID string `json:"family_id,omitempty"`

	AdditionalFields map[string]json.RawMessage `json:"-"`
}

// Key returns the composite cache key for the refresh token. Family tokens
// are keyed by family id instead of client id so that one record serves all
// clients in the family.
func (t RefreshTokenRecord) Key() string {
	clientPart := t.ClientID
	if t.FamilyID != "" {
		clientPart = t.FamilyID
	}
	return joinKey(t.HomeAccountID, t.Environment, t.CredentialType, clientPart, "", "")
}

// IDTokenRecord holds one raw ID token JWT.
type IDTokenRecord struct {
	HomeAccountID  string `json:"home_account_id"`
	Environment    string `json:"environment"`
	Realm          string `json:"realm"`
	CredentialType string `json:"credential_type"`
	ClientID       string `json:"client_id"`
	Secret         string `json:"secret"`

	AdditionalFields map[string]json.RawMessage `json:"-"`
}

// Key returns the composite cache key for the ID token.
func (t IDTokenRecord) Key() string {
	return joinKey(t.HomeAccountID, t.Environment, t.CredentialType, t.ClientID, t.Realm, "")
}

// AppMetadataRecord records per-client metadata for one environment. Its
// family id decides whether a refresh token issued to a sibling client may
// satisfy this client's request.
type AppMetadataRecord struct {
	Environment string `json:"environment"`
	ClientID    string `json:"client_id"`
	FamilyID    string `json:"family_id,omitempty"`

	AdditionalFields map[string]json.RawMessage `json:"-"`
}

const appMetadataPrefix = "appmetadata"

// Key returns the composite cache key for the app metadata record.
func (m AppMetadataRecord) Key() string {
	return joinKey(appMetadataPrefix, m.Environment, m.ClientID)
}
