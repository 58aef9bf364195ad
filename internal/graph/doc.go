// Package graph defines the core data model for the inventory graph:
// natural keys, nodes (process/product/flow datasets), edges (exchanges),
// the exchange type codes used by compiled arrays, and the shared error
// taxonomy.
//
// Nodes carry a small set of typed, filterable fields plus an open payload
// map. Payloads are serialized with CanonicalPayload so that identical
// logical content always produces identical bytes, which the store and the
// compiler both rely on for reproducibility.
package graph
