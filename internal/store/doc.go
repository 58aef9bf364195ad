// Package store provides SQLite-backed durable storage for the inventory
// graph: nodes and edges partitioned into named collections, collection
// metadata, and the append-only identity and location mappers.
//
// # Critical Patterns
//
// CP-1: Append-only identity
//   - mapper_counters rows outlive mapper_entries deletions
//   - an id, once assigned, is never handed to a different key
//
// CP-2: Atomic bulk replacement
//   - Write replaces a collection's rows inside one transaction
//   - any failure rolls the whole replacement back
//
// CP-3: Deterministic storage bytes
//   - payloads stored as canonical JSON TEXT (graph.CanonicalPayload)
//   - bulk writes insert keys in sorted order
//
// CP-4: Guaranteed index restoration
//   - BulkLoadSession re-creates dropped indices on every exit path
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
package store
