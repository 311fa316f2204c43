package cache

import (
	"encoding/json"
	"strings"
	"sync"
)

// Model is the in-memory token cache: five record collections plus any
// top-level sections written by library versions this one does not know
// about. All methods are safe for concurrent use; one request's write never
// corrupts another's concurrent read.
//
// Upsert on an existing key fully replaces the record. The only exception is
// the AdditionalFields bag, which the serializer re-attaches so unknown
// fields survive a load-modify-store cycle.
type Model struct {
	mu sync.RWMutex

	accounts      map[string]AccountRecord
	accessTokens  map[string]AccessTokenRecord
	refreshTokens map[string]RefreshTokenRecord
	idTokens      map[string]IDTokenRecord
	appMetadata   map[string]AppMetadataRecord

	// unknownSections preserves top-level blob sections verbatim for
	// forward compatibility across library versions.
	unknownSections map[string]json.RawMessage
}

// NewModel returns an empty cache model.
func NewModel() *Model {
	return &Model{
		accounts:        make(map[string]AccountRecord),
		accessTokens:    make(map[string]AccessTokenRecord),
		refreshTokens:   make(map[string]RefreshTokenRecord),
		idTokens:        make(map[string]IDTokenRecord),
		appMetadata:     make(map[string]AppMetadataRecord),
		unknownSections: make(map[string]json.RawMessage),
	}
}

// UpsertAccount stores the account, replacing any record under the same key.
func (m *Model) UpsertAccount(a AccountRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.Key()] = a
}

// UpsertAccessToken stores the access token, replacing any record under the
// same key. Supersession of a narrower token by a broader one is a read-time
// concern; storage never merges targets.
func (m *Model) UpsertAccessToken(t AccessTokenRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessTokens[t.Key()] = t
}

// UpsertRefreshToken stores the refresh token, replacing any record under
// the same key.
func (m *Model) UpsertRefreshToken(t RefreshTokenRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshTokens[t.Key()] = t
}

// UpsertIDToken stores the ID token, replacing any record under the same key.
func (m *Model) UpsertIDToken(t IDTokenRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idTokens[t.Key()] = t
}

// UpsertAppMetadata stores the app metadata record.
func (m *Model) UpsertAppMetadata(md AppMetadataRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appMetadata[md.Key()] = md
}

// AccountByKey returns the account stored under key, if any.
func (m *Model) AccountByKey(key string) (AccountRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[strings.ToLower(key)]
	return a, ok
}

// Accounts returns all stored accounts.
func (m *Model) Accounts() []AccountRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AccountRecord, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	return out
}

// AccessTokensByPartition returns access tokens whose home account or client
// id matches the given partition value. An empty homeAccountID matches app
// tokens cached without a user.
func (m *Model) AccessTokensByPartition(homeAccountID, clientID string) []AccessTokenRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AccessTokenRecord, 0)
	for _, t := range m.accessTokens {
		if !equalFold(t.HomeAccountID, homeAccountID) {
			continue
		}
		if clientID != "" && !equalFold(t.ClientID, clientID) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// RemoveAccount deletes the account and every credential belonging to it
// across all alias hosts of its environment.
func (m *Model) RemoveAccount(homeAccountID string, envAliases []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, a := range m.accounts {
		if equalFold(a.HomeAccountID, homeAccountID) && matchesAnyEnv(a.Environment, envAliases) {
			delete(m.accounts, k)
		}
	}
	for k, t := range m.accessTokens {
		if equalFold(t.HomeAccountID, homeAccountID) && matchesAnyEnv(t.Environment, envAliases) {
			delete(m.accessTokens, k)
		}
	}
	for k, t := range m.refreshTokens {
		if equalFold(t.HomeAccountID, homeAccountID) && matchesAnyEnv(t.Environment, envAliases) {
			delete(m.refreshTokens, k)
		}
	}
	for k, t := range m.idTokens {
		if equalFold(t.HomeAccountID, homeAccountID) && matchesAnyEnv(t.Environment, envAliases) {
			delete(m.idTokens, k)
		}
	}
}

// RemoveAccessToken deletes one access token by key.
func (m *Model) RemoveAccessToken(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accessTokens, strings.ToLower(key))
}

// RemoveRefreshToken deletes one refresh token by key.
func (m *Model) RemoveRefreshToken(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refreshTokens, strings.ToLower(key))
}

// Clear drops every record and unknown section.
func (m *Model) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = make(map[string]AccountRecord)
	m.accessTokens = make(map[string]AccessTokenRecord)
	m.refreshTokens = make(map[string]RefreshTokenRecord)
	m.idTokens = make(map[string]IDTokenRecord)
	m.appMetadata = make(map[string]AppMetadataRecord)
	m.unknownSections = make(map[string]json.RawMessage)
}

// Replace swaps this model's contents with another's. Used when a reload
// from the persisted blob invalidates the warm copy.
func (m *Model) Replace(other *Model) {
	other.mu.RLock()
	defer other.mu.RUnlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = copyMap(other.accounts)
	m.accessTokens = copyMap(other.accessTokens)
	m.refreshTokens = copyMap(other.refreshTokens)
	m.idTokens = copyMap(other.idTokens)
	m.appMetadata = copyMap(other.appMetadata)
	m.unknownSections = copyMap(other.unknownSections)
}

// Absorb copies records from other that this model has no entry for. Used
// during a persist cycle to keep records another process wrote while this
// one held a warm copy; this model's own records always win.
func (m *Model) Absorb(other *Model) {
	other.mu.RLock()
	defer other.mu.RUnlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range other.accounts {
		if _, ok := m.accounts[k]; !ok {
			m.accounts[k] = v
		}
	}
	for k, v := range other.accessTokens {
		if _, ok := m.accessTokens[k]; !ok {
			m.accessTokens[k] = v
		}
	}
	for k, v := range other.refreshTokens {
		if _, ok := m.refreshTokens[k]; !ok {
			m.refreshTokens[k] = v
		}
	}
	for k, v := range other.idTokens {
		if _, ok := m.idTokens[k]; !ok {
			m.idTokens[k] = v
		}
	}
	for k, v := range other.appMetadata {
		if _, ok := m.appMetadata[k]; !ok {
			m.appMetadata[k] = v
		}
	}
	for k, v := range other.unknownSections {
		if _, ok := m.unknownSections[k]; !ok {
			m.unknownSections[k] = v
		}
	}
}

// Counts returns the number of records per collection, for logging and
// metrics.
func (m *Model) Counts() (accounts, accessTokens, refreshTokens, idTokens, appMetadata int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts), len(m.accessTokens), len(m.refreshTokens), len(m.idTokens), len(m.appMetadata)
}

func copyMap[V any](src map[string]V) map[string]V {
	dst := make(map[string]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
