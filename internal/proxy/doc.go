// Package proxy is the resource assignment engine: least-loaded selection,
// idempotent usage accounting and proxy lifecycle operations on top of the
// durable store.
//
// The engine keeps no state of its own. Every operation reads current state
// from the store and mutates it in a single store transaction, so callers
// may invoke it concurrently from any number of request handlers.
//
// Logical outcomes are returned as the sentinel errors of this package
// (ErrNotFound, ErrInactive, ErrConflict, ErrNoneAvailable); anything else is
// wrapped in ErrStoreFailure. Driver errors never escape.
package proxy
