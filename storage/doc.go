// Package storage defines the persistence boundary for the token cache
// blob.
//
// A Backend stores a single byte array per location. The blob is the
// authoritative copy of the cache; implementations treat it as opaque and
// the client serializes its own read-modify-write cycles through a
// cross-process lock.
//
// Implementations are provided in subpackages:
//   - storage/file: on-disk backend with atomic writes, optional
//     encryption at rest and external-change detection
//   - storage/memory: in-memory backend for tests and embedding
package storage
