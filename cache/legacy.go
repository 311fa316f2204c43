package cache

import (
	"encoding/json"
	"strings"
)

// sectionLegacyCredentials is the top-level section holding the pre-unified
// cache representation: per-user credential lists without the composite key
// scheme. Installations that still run the old reader consume this section,
// so every write keeps it in sync with the unified maps.
const sectionLegacyCredentials = "Credentials"

// legacyUserEntry is one user's credentials in the old flat format.
type legacyUserEntry struct {
	Accounts      []legacyAccount      `json:"accounts,omitempty"`
	AccessTokens  []legacyAccessToken  `json:"access_tokens,omitempty"`
	RefreshTokens []legacyRefreshToken `json:"refresh_tokens,omitempty"`
	IDTokens      []legacyIDToken      `json:"id_tokens,omitempty"`
}

// The legacy field names predate the unified schema's vocabulary:
// "authority_host" is the environment, "tenant" the realm, "client" the
// client id, "login" the username.
type legacyAccount struct {
	AuthorityHost string `json:"authority_host"`
	Tenant        string `json:"tenant"`
	LocalID       string `json:"local_id,omitempty"`
	Login         string `json:"login,omitempty"`
	DisplayName   string `json:"display_name,omitempty"`
	AuthorityType string `json:"authority_type,omitempty"`
	ClientInfo    string `json:"client_info,omitempty"`
}

type legacyAccessToken struct {
	AuthorityHost string `json:"authority_host"`
	Tenant        string `json:"tenant"`
	Client        string `json:"client"`
	Token         string `json:"token"`
	Scopes        string `json:"scopes"`
	TokenType     string `json:"token_type,omitempty"`
	CachedAt      int64  `json:"cached_at"`
	Expiry        int64  `json:"expiry"`
}

type legacyRefreshToken struct {
	AuthorityHost string `json:"authority_host"`
	Client        string `json:"client"`
	Token         string `json:"token"`
	Family        string `json:"family,omitempty"`
}

type legacyIDToken struct {
	AuthorityHost string `json:"authority_host"`
	Tenant        string `json:"tenant"`
	Client        string `json:"client"`
	Token         string `json:"token"`
}

// marshalLegacyLocked renders the model's records in the legacy per-user
// shape. The caller holds the model lock.
func (s *Serializer) marshalLegacyLocked(m *Model) (json.RawMessage, error) {
	users := make(map[string]*legacyUserEntry)
	byUser := func(homeAccountID string) *legacyUserEntry {
		id := strings.ToLower(homeAccountID)
		if users[id] == nil {
			users[id] = &legacyUserEntry{}
		}
		return users[id]
	}

	for _, a := range m.accounts {
		u := byUser(a.HomeAccountID)
		u.Accounts = append(u.Accounts, legacyAccount{
			AuthorityHost: a.Environment,
			Tenant:        a.Realm,
			LocalID:       a.LocalAccountID,
			Login:         a.Username,
			DisplayName:   a.Name,
			AuthorityType: a.AuthorityType,
			ClientInfo:    a.ClientInfo,
		})
	}
	for _, t := range m.accessTokens {
		u := byUser(t.HomeAccountID)
		u.AccessTokens = append(u.AccessTokens, legacyAccessToken{
			AuthorityHost: t.Environment,
			Tenant:        t.Realm,
			Client:        t.ClientID,
			Token:         t.Secret,
			Scopes:        t.Target,
			TokenType:     t.TokenType,
			CachedAt:      t.CachedAt,
			Expiry:        t.ExpiresOn,
		})
	}
	for _, t := range m.refreshTokens {
		u := byUser(t.HomeAccountID)
		u.RefreshTokens = append(u.RefreshTokens, legacyRefreshToken{
			AuthorityHost: t.Environment,
			Client:        t.ClientID,
			Token:         t.Secret,
			Family:        t.FamilyID,
		})
	}
	for _, t := range m.idTokens {
		u := byUser(t.HomeAccountID)
		u.IDTokens = append(u.IDTokens, legacyIDToken{
			AuthorityHost: t.Environment,
			Tenant:        t.Realm,
			Client:        t.ClientID,
			Token:         t.Secret,
		})
	}
	return json.Marshal(users)
}

// mergeLegacy reads a legacy section into the model. Records already present
// from the unified sections win; legacy data only fills what is absent, and
// for accounts it additionally fills empty display fields. Unparsable user
// entries are skipped with a warning.
func (s *Serializer) mergeLegacy(m *Model, raw json.RawMessage) {
	var users map[string]json.RawMessage
	if err := json.Unmarshal(raw, &users); err != nil {
		s.logger.Warn("Skipping unreadable legacy cache section", "error", err)
		return
	}

	for homeAccountID, entryRaw := range users {
		var entry legacyUserEntry
		if err := json.Unmarshal(entryRaw, &entry); err != nil {
			s.logger.Warn("Skipping unparsable legacy cache entry",
				"home_account_id", homeAccountID, "error", err)
			continue
		}
		s.mergeLegacyUser(m, homeAccountID, entry)
	}
}

func (s *Serializer) mergeLegacyUser(m *Model, homeAccountID string, entry legacyUserEntry) {
	for _, la := range entry.Accounts {
		rec := AccountRecord{
			HomeAccountID:  homeAccountID,
			Environment:    la.AuthorityHost,
			Realm:          la.Tenant,
			LocalAccountID: la.LocalID,
			Username:       la.Login,
			Name:           la.DisplayName,
			AuthorityType:  la.AuthorityType,
			ClientInfo:     la.ClientInfo,
		}
		key := strings.ToLower(rec.Key())
		if existing, ok := m.accounts[key]; ok {
			if existing.Username == "" {
				existing.Username = la.Login
			}
			if existing.Name == "" {
				existing.Name = la.DisplayName
			}
			if existing.LocalAccountID == "" {
				existing.LocalAccountID = la.LocalID
			}
			m.accounts[key] = existing
			continue
		}
		m.accounts[key] = rec
	}
	for _, lt := range entry.AccessTokens {
		rec := AccessTokenRecord{
			HomeAccountID:  homeAccountID,
			Environment:    lt.AuthorityHost,
			Realm:          lt.Tenant,
			CredentialType: CredentialTypeAccessToken,
			ClientID:       lt.Client,
			Secret:         lt.Token,
			Target:         TargetString(strings.Split(lt.Scopes, " ")),
			TokenType:      lt.TokenType,
			CachedAt:       lt.CachedAt,
			ExpiresOn:      lt.Expiry,
		}
		key := strings.ToLower(rec.Key())
		if _, ok := m.accessTokens[key]; !ok {
			m.accessTokens[key] = rec
		}
	}
	for _, lt := range entry.RefreshTokens {
		rec := RefreshTokenRecord{
			HomeAccountID:  homeAccountID,
			Environment:    lt.AuthorityHost,
			CredentialType: CredentialTypeRefreshToken,
			ClientID:       lt.Client,
			Secret:         lt.Token,
			FamilyID:       lt.Family,
		}
		key := strings.ToLower(rec.Key())
		if _, ok := m.refreshTokens[key]; !ok {
			m.refreshTokens[key] = rec
		}
	}
	for _, lt := range entry.IDTokens {
		rec := IDTokenRecord{
			HomeAccountID:  homeAccountID,
			Environment:    lt.AuthorityHost,
			Realm:          lt.Tenant,
			CredentialType: CredentialTypeIDToken,
			ClientID:       lt.Client,
			Secret:         lt.Token,
		}
		key := strings.ToLower(rec.Key())
		if _, ok := m.idTokens[key]; !ok {
			m.idTokens[key] = rec
		}
	}
}
