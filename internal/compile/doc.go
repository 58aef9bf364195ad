// Package compile turns a collection's committed graph into deterministic
// typed arrays for an external sparse-matrix solver: one edge array with a
// row per exchange (plus synthesized self-production rows) and one geo
// array linking process nodes to locations.
//
// Output is a pure function of store + mapper state. Records are sorted by
// a full-field comparator so identical logical input always yields
// byte-identical arrays. Compilation is all-or-nothing: on failure the
// previously persisted arrays are untouched and the collection stays
// dirty.
package compile
