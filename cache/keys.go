package cache

import (
	"sort"
	"strings"
)

// keySeparator joins the segments of a composite cache key. The segment
// order is fixed per record type (see each record's Key method) and all
// segments are lowercased, matching OAuth host-name semantics where case
// never distinguishes two entities.
const keySeparator = "-"

// joinKey builds a composite key from its segments in the given order.
// Segments are lowercased so lookups are case-insensitive.
func joinKey(segments ...string) string {
	return strings.ToLower(strings.Join(segments, keySeparator))
}

// NormalizeScopes lowercases, deduplicates and sorts a scope list so that
// two scope sets differing only in order or case produce the same target
// string.
func NormalizeScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// TargetString renders a normalized scope set as the space-joined target
// stored on an access token record.
func TargetString(scopes []string) string {
	return strings.Join(NormalizeScopes(scopes), " ")
}

// ScopesSubset reports whether every scope in want is present in have.
// Both sides are compared after normalization, so a cached token for
// {a,b,c} satisfies a request for {a,b}. An empty want is a subset of
// anything.
func ScopesSubset(want, have []string) bool {
	haveSet := make(map[string]struct{}, len(have))
	for _, s := range NormalizeScopes(have) {
		haveSet[s] = struct{}{}
	}
	for _, s := range NormalizeScopes(want) {
		if _, ok := haveSet[s]; !ok {
			return false
		}
	}
	return true
}

// equalFold compares two key segments case-insensitively.
func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// matchesAnyEnv reports whether env equals any of the alias hosts.
func matchesAnyEnv(env string, aliases []string) bool {
	for _, a := range aliases {
		if equalFold(env, a) {
			return true
		}
	}
	return false
}
