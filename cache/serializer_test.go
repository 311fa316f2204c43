package cache

import (
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func populatedModel() *Model {
	m := NewModel()
	m.UpsertAccount(AccountRecord{
		HomeAccountID:  testHomeAccountID,
		Environment:    testEnv,
		Realm:          testRealm,
		LocalAccountID: "local-1",
		Username:       "user@example.com",
		AuthorityType:  AuthorityTypeAAD,
	})
	m.UpsertAccessToken(AccessTokenRecord{
		HomeAccountID:  testHomeAccountID,
		Environment:    testEnv,
		Realm:          testRealm,
		CredentialType: CredentialTypeAccessToken,
		ClientID:       testClientID,
		Secret:         "at-secret",
		Target:         "a b",
		TokenType:      TokenTypeBearer,
		CachedAt:       1_700_000_000,
		ExpiresOn:      1_700_003_600,
	})
	m.UpsertRefreshToken(RefreshTokenRecord{
		HomeAccountID:  testHomeAccountID,
		Environment:    testEnv,
		CredentialType: CredentialTypeRefreshToken,
		ClientID:       testClientID,
		Secret:         "rt-secret",
		FamilyID:       "1",
	})
	m.UpsertIDToken(IDTokenRecord{
		HomeAccountID:  testHomeAccountID,
		Environment:    testEnv,
		Realm:          testRealm,
		CredentialType: CredentialTypeIDToken,
		ClientID:       testClientID,
		Secret:         "header.payload.sig",
	})
	m.UpsertAppMetadata(AppMetadataRecord{
		Environment: testEnv,
		ClientID:    testClientID,
		FamilyID:    "1",
	})
	return m
}

func TestSerializer_RoundTrip(t *testing.T) {
	s := NewSerializer(slog.Default())
	m := populatedModel()

	blob, err := s.Serialize(m)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	got, err := s.Deserialize(blob)
	if err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}

	a1, at1, rt1, id1, md1 := m.Counts()
	a2, at2, rt2, id2, md2 := got.Counts()
	if a1 != a2 || at1 != at2 || rt1 != rt2 || id1 != id2 || md1 != md2 {
		t.Errorf("record counts after round trip = %d/%d/%d/%d/%d, want %d/%d/%d/%d/%d",
			a2, at2, rt2, id2, md2, a1, at1, rt1, id1, md1)
	}

	at, ok := got.ReadAccessToken(TokenQuery{
		HomeAccountID: testHomeAccountID,
		EnvAliases:    []string{testEnv},
		Realm:         testRealm,
		ClientID:      testClientID,
		Scopes:        []string{"a"},
	}, time.Unix(1_700_000_100, 0), 0)
	if !ok {
		t.Fatal("access token lost in round trip")
	}
	if at.Secret != "at-secret" {
		t.Errorf("Secret = %q, want %q", at.Secret, "at-secret")
	}
}

func TestSerializer_EmptyBlob(t *testing.T) {
	s := NewSerializer(nil)

	for _, blob := range [][]byte{nil, {}, []byte("  \n")} {
		m, err := s.Deserialize(blob)
		if err != nil {
			t.Fatalf("Deserialize(%q) error = %v", blob, err)
		}
		if a, at, rt, id, md := m.Counts(); a+at+rt+id+md != 0 {
			t.Error("empty blob should yield an empty model")
		}
	}
}

func TestSerializer_UnknownFieldsSurviveRoundTrip(t *testing.T) {
	s := NewSerializer(slog.Default())
	blob, err := s.Serialize(populatedModel())
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	// Inject a field this schema version does not know into the access
	// token record, plus an entire unknown top-level section.
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(blob, &doc); err != nil {
		t.Fatal(err)
	}
	var ats map[string]map[string]json.RawMessage
	if err := json.Unmarshal(doc[sectionAccessToken], &ats); err != nil {
		t.Fatal(err)
	}
	for _, rec := range ats {
		rec["future_field"] = json.RawMessage(`"keep-me"`)
	}
	doc[sectionAccessToken], _ = json.Marshal(ats)
	doc["FutureSection"] = json.RawMessage(`{"v":2}`)
	injected, _ := json.Marshal(doc)

	m, err := s.Deserialize(injected)
	if err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	out, err := s.Serialize(m)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	if !strings.Contains(string(out), `"future_field":"keep-me"`) {
		t.Error("unknown record field did not survive the round trip")
	}
	if !strings.Contains(string(out), `"FutureSection":{"v":2}`) {
		t.Error("unknown top-level section did not survive the round trip")
	}
}

func TestSerializer_CorruptRecordSkipped(t *testing.T) {
	s := NewSerializer(slog.Default())

	blob := []byte(`{
		"AccessToken": {
			"bad-key": "not an object",
			"uid.utid-login.example.com-accesstoken-client-a-tenant-a-a": {
				"home_account_id": "uid.utid",
				"environment": "login.example.com",
				"realm": "tenant-a",
				"credential_type": "AccessToken",
				"client_id": "client-a",
				"secret": "good",
				"target": "a",
				"cached_at": "1700000000",
				"expires_on": "1700003600"
			}
		}
	}`)

	m, err := s.Deserialize(blob)
	if err != nil {
		t.Fatalf("Deserialize() error = %v; one corrupt record must not abort the load", err)
	}
	_, at, _, _, _ := m.Counts()
	if at != 1 {
		t.Errorf("access tokens loaded = %d, want 1 (corrupt entry skipped)", at)
	}
}

func TestSerializer_LegacyBridge(t *testing.T) {
	s := NewSerializer(slog.Default())

	// A blob where the unified section and the legacy section disagree on
	// an account's username: the unified schema is authoritative, legacy
	// fills only what is absent.
	blob := []byte(`{
		"Account": {
			"uid.utid-login.example.com-tenant-a": {
				"home_account_id": "uid.utid",
				"environment": "login.example.com",
				"realm": "tenant-a",
				"local_account_id": "local-1",
				"username": "unified@example.com",
				"authority_type": "MSSTS"
			}
		},
		"Credentials": {
			"uid.utid": {
				"accounts": [{
					"authority_host": "login.example.com",
					"tenant": "tenant-a",
					"login": "legacy@example.com",
					"display_name": "Legacy Name"
				}],
				"refresh_tokens": [{
					"authority_host": "login.example.com",
					"client": "client-a",
					"token": "legacy-rt"
				}]
			}
		}
	}`)

	m, err := s.Deserialize(blob)
	if err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}

	acct, ok := m.ReadAccount(testHomeAccountID, []string{testEnv}, testRealm)
	if !ok {
		t.Fatal("account missing after legacy merge")
	}
	if acct.Username != "unified@example.com" {
		t.Errorf("Username = %q, unified section must win over legacy", acct.Username)
	}
	if acct.Name != "Legacy Name" {
		t.Errorf("Name = %q, legacy should fill fields the unified record lacks", acct.Name)
	}

	rt, ok := m.ReadRefreshToken(TokenQuery{
		HomeAccountID: testHomeAccountID,
		EnvAliases:    []string{testEnv},
		ClientID:      testClientID,
	})
	if !ok {
		t.Fatal("legacy-only refresh token should be bridged into the model")
	}
	if rt.Secret != "legacy-rt" {
		t.Errorf("Secret = %q, want %q", rt.Secret, "legacy-rt")
	}
}

func TestSerializer_WritesLegacySection(t *testing.T) {
	s := NewSerializer(slog.Default())
	blob, err := s.Serialize(populatedModel())
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(blob, &doc); err != nil {
		t.Fatal(err)
	}
	raw, ok := doc[sectionLegacyCredentials]
	if !ok {
		t.Fatal("serialized blob must carry the legacy section for old readers")
	}
	var users map[string]legacyUserEntry
	if err := json.Unmarshal(raw, &users); err != nil {
		t.Fatalf("legacy section is not in the legacy shape: %v", err)
	}
	entry, ok := users[testHomeAccountID]
	if !ok || len(entry.AccessTokens) != 1 || len(entry.RefreshTokens) != 1 {
		t.Error("legacy section out of sync with the unified maps")
	}
}
