package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
)

// Top-level section names of the unified blob schema.
const (
	sectionAccount      = "Account"
	sectionAccessToken  = "AccessToken"
	sectionRefreshToken = "RefreshToken"
	sectionIDToken      = "IdToken"
	sectionAppMetadata  = "AppMetadata"
)

// Serializer converts a Model to and from the persisted byte blob.
//
// The unified schema is a JSON object with one map per record collection,
// keyed by each record's composite key. Unknown fields inside a record and
// unknown top-level sections are preserved verbatim so blobs written by
// other library versions round-trip without loss.
//
// A record that fails to parse is skipped with a warning and the load
// continues; corruption degrades to "treat as absent", never to a failed
// load. A nil or empty blob yields an empty model.
type Serializer struct {
	logger *slog.Logger
}

// NewSerializer creates a serializer. A nil logger falls back to
// slog.Default().
func NewSerializer(logger *slog.Logger) *Serializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Serializer{logger: logger}
}

// Serialize renders the model as a unified-schema blob, with the legacy
// per-user section written alongside so installations that still run the
// old reader see a consistent cache.
func (s *Serializer) Serialize(m *Model) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc := make(map[string]json.RawMessage, 6+len(m.unknownSections))
	for k, v := range m.unknownSections {
		doc[k] = v
	}

	var err error
	if doc[sectionAccount], err = marshalSection(m.accounts); err != nil {
		return nil, fmt.Errorf("serializing accounts: %w", err)
	}
	if doc[sectionAccessToken], err = marshalSection(m.accessTokens); err != nil {
		return nil, fmt.Errorf("serializing access tokens: %w", err)
	}
	if doc[sectionRefreshToken], err = marshalSection(m.refreshTokens); err != nil {
		return nil, fmt.Errorf("serializing refresh tokens: %w", err)
	}
	if doc[sectionIDToken], err = marshalSection(m.idTokens); err != nil {
		return nil, fmt.Errorf("serializing id tokens: %w", err)
	}
	if doc[sectionAppMetadata], err = marshalSection(m.appMetadata); err != nil {
		return nil, fmt.Errorf("serializing app metadata: %w", err)
	}
	if doc[sectionLegacyCredentials], err = s.marshalLegacyLocked(m); err != nil {
		return nil, fmt.Errorf("serializing legacy section: %w", err)
	}

	return json.Marshal(doc)
}

// Deserialize parses a blob into a fresh model. Both the unified schema and
// the legacy per-user format are understood; when both describe the same
// record the unified section is authoritative and legacy fields only fill
// records the unified section lacks.
func (s *Serializer) Deserialize(data []byte) (*Model, error) {
	m := NewModel()
	if len(bytes.TrimSpace(data)) == 0 {
		return m, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("cache blob is not a JSON object: %w", err)
	}

	var legacyRaw json.RawMessage
	for name, raw := range doc {
		switch name {
		case sectionAccount:
			unmarshalSection(s, name, raw, m.accounts)
		case sectionAccessToken:
			unmarshalSection(s, name, raw, m.accessTokens)
		case sectionRefreshToken:
			unmarshalSection(s, name, raw, m.refreshTokens)
		case sectionIDToken:
			unmarshalSection(s, name, raw, m.idTokens)
		case sectionAppMetadata:
			unmarshalSection(s, name, raw, m.appMetadata)
		case sectionLegacyCredentials:
			legacyRaw = raw
		default:
			m.unknownSections[name] = raw
		}
	}
	// The legacy bridge merges last so the unified sections stay
	// authoritative and legacy data only fills what they lack.
	if legacyRaw != nil {
		s.mergeLegacy(m, legacyRaw)
	}
	return m, nil
}

type record interface {
	Key() string
}

func marshalSection[T record](section map[string]T) (json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(section))
	for key, rec := range section {
		raw, err := marshalRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("record %q: %w", key, err)
		}
		out[key] = raw
	}
	return json.Marshal(out)
}

func unmarshalSection[T record](s *Serializer, name string, raw json.RawMessage, into map[string]T) {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		s.logger.Warn("Skipping unreadable cache section",
			"section", name, "error", err)
		return
	}
	for key, entry := range entries {
		var rec T
		if err := unmarshalRecord(entry, &rec); err != nil {
			s.logger.Warn("Skipping unparsable cache record",
				"section", name, "key", key, "error", err)
			continue
		}
		into[strings.ToLower(rec.Key())] = rec
	}
}

// marshalRecord renders a record and re-attaches its AdditionalFields bag.
// Known struct fields always win over a stale passthrough copy.
func marshalRecord(rec any) (json.RawMessage, error) {
	base, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	extra := additionalFieldsOf(rec)
	if len(extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// unmarshalRecord parses a record and collects every JSON field this schema
// version does not declare into the AdditionalFields bag.
func unmarshalRecord(raw json.RawMessage, rec any) error {
	if err := json.Unmarshal(raw, rec); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return err
	}
	known := knownFields(reflect.TypeOf(rec).Elem())
	extra := make(map[string]json.RawMessage)
	for k, v := range all {
		if _, ok := known[k]; !ok {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		setAdditionalFields(rec, extra)
	}
	return nil
}

var knownFieldsCache sync.Map // reflect.Type -> map[string]struct{}

// knownFields returns the set of JSON field names a record type declares.
func knownFields(t reflect.Type) map[string]struct{} {
	if cached, ok := knownFieldsCache.Load(t); ok {
		return cached.(map[string]struct{})
	}
	fields := make(map[string]struct{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		name := strings.Split(tag, ",")[0]
		if name != "" {
			fields[name] = struct{}{}
		}
	}
	knownFieldsCache.Store(t, fields)
	return fields
}

func additionalFieldsOf(rec any) map[string]json.RawMessage {
	v := reflect.ValueOf(rec)
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	f := v.FieldByName("AdditionalFields")
	if !f.IsValid() || f.IsNil() {
		return nil
	}
	return f.Interface().(map[string]json.RawMessage)
}

func setAdditionalFields(rec any, extra map[string]json.RawMessage) {
	f := reflect.ValueOf(rec).Elem().FieldByName("AdditionalFields")
	if f.IsValid() && f.CanSet() {
		f.Set(reflect.ValueOf(extra))
	}
}
