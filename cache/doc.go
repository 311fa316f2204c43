// Package cache implements the in-memory token cache model, the credential
// lookup (match) engine, and the versioned serialization schema.
//
// The cache holds five record collections, each keyed by a composite,
// case-insensitive key:
//   - Account: identities of signed-in users
//   - AccessToken: access tokens partitioned by environment/realm/client/target
//   - RefreshToken: refresh tokens, optionally shared across a client family
//   - IdToken: raw ID tokens
//   - AppMetadata: per-client metadata (family id) driving FOCI fallback
//
// The persisted byte blob produced by Serializer is the authoritative copy of
// the cache; an in-memory Model is a cache-of-a-cache and must be reloaded
// after another process writes the blob.
package cache
