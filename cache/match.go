package cache

import (
	"time"
)

// DefaultClockSkew is the buffer applied to access-token expiry checks so a
// token a few seconds from expiry is not returned to a caller who would see
// it rejected. It covers typical NTP drift between client and provider.
const DefaultClockSkew = 5 * time.Minute

// TokenQuery describes one credential lookup against the cache. Environment
// matching is by alias list so a request against any alias of an authority
// hits the partition of the preferred cache host.
type TokenQuery struct {
	HomeAccountID string
	EnvAliases    []string
	Realm         string
	ClientID      string
	Scopes        []string
	// TokenType restricts the match to one credential binding class.
	// Bearer, PoP and SSH certificate tokens are never interchangeable.
	TokenType string
	// FamilyID enables the FOCI fallback on refresh-token lookups.
	FamilyID string
}

// ReadAccessToken finds the freshest unexpired access token satisfying the
// query: same environment/realm/client, requested scopes a subset of the
// cached target, identical token type, and not expired at now (with skew).
// Among several candidates the most recently cached wins, deterministically.
// A miss is not an error; it signals that a network round trip is needed.
func (m *Model) ReadAccessToken(q TokenQuery, now time.Time, skew time.Duration) (AccessTokenRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wantType := q.TokenType
	if wantType == "" {
		wantType = TokenTypeBearer
	}

	var best AccessTokenRecord
	found := false
	for _, t := range m.accessTokens {
		if !equalFold(t.HomeAccountID, q.HomeAccountID) {
			continue
		}
		if !matchesAnyEnv(t.Environment, q.EnvAliases) {
			continue
		}
		if !equalFold(t.Realm, q.Realm) {
			continue
		}
		if !equalFold(t.ClientID, q.ClientID) {
			continue
		}
		cachedType := t.TokenType
		if cachedType == "" {
			cachedType = TokenTypeBearer
		}
		if !equalFold(cachedType, wantType) {
			continue
		}
		if !ScopesSubset(q.Scopes, t.Scopes()) {
			continue
		}
		if t.Expired(now, skew) {
			continue
		}
		if !found || t.CachedAt > best.CachedAt {
			best = t
			found = true
		}
	}
	return best, found
}

// ReadRefreshToken finds a refresh token for the query's account. The exact
// client id is preferred; when no direct match exists the lookup falls back
// to any token shared by the client's family (FOCI), resolved through app
// metadata, so a token obtained by one first-party app silently serves a
// sibling app.
func (m *Model) ReadRefreshToken(q TokenQuery) (RefreshTokenRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if t, ok := m.readRefreshTokenLocked(q.HomeAccountID, q.EnvAliases, q.ClientID, ""); ok {
		return t, ok
	}

	familyID := q.FamilyID
	if familyID == "" {
		familyID = m.familyForClientLocked(q.EnvAliases, q.ClientID)
	}
	if familyID == "" {
		return RefreshTokenRecord{}, false
	}
	return m.readRefreshTokenLocked(q.HomeAccountID, q.EnvAliases, "", familyID)
}

func (m *Model) readRefreshTokenLocked(homeAccountID string, envAliases []string, clientID, familyID string) (RefreshTokenRecord, bool) {
	for _, t := range m.refreshTokens {
		if !equalFold(t.HomeAccountID, homeAccountID) {
			continue
		}
		if !matchesAnyEnv(t.Environment, envAliases) {
			continue
		}
		if familyID != "" {
			if equalFold(t.FamilyID, familyID) {
				return t, true
			}
			continue
		}
		if equalFold(t.ClientID, clientID) {
			return t, true
		}
	}
	return RefreshTokenRecord{}, false
}

func (m *Model) familyForClientLocked(envAliases []string, clientID string) string {
	for _, md := range m.appMetadata {
		if equalFold(md.ClientID, clientID) && matchesAnyEnv(md.Environment, envAliases) {
			return md.FamilyID
		}
	}
	return ""
}

// ReadIDToken finds the ID token for the query's account, realm and client.
func (m *Model) ReadIDToken(q TokenQuery) (IDTokenRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.idTokens {
		if equalFold(t.HomeAccountID, q.HomeAccountID) &&
			matchesAnyEnv(t.Environment, q.EnvAliases) &&
			equalFold(t.Realm, q.Realm) &&
			equalFold(t.ClientID, q.ClientID) {
			return t, true
		}
	}
	return IDTokenRecord{}, false
}

// ReadAccount finds the account for a home account id within an environment
// alias set and realm.
func (m *Model) ReadAccount(homeAccountID string, envAliases []string, realm string) (AccountRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.accounts {
		if equalFold(a.HomeAccountID, homeAccountID) &&
			matchesAnyEnv(a.Environment, envAliases) &&
			equalFold(a.Realm, realm) {
			return a, true
		}
	}
	return AccountRecord{}, false
}

// ReadAppMetadata finds the metadata record for a client within an
// environment alias set.
func (m *Model) ReadAppMetadata(envAliases []string, clientID string) (AppMetadataRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, md := range m.appMetadata {
		if equalFold(md.ClientID, clientID) && matchesAnyEnv(md.Environment, envAliases) {
			return md, true
		}
	}
	return AppMetadataRecord{}, false
}
