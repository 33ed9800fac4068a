// Package storage is the durable store for proxies, clients and grant
// relations, backed by database/sql over SQLite (modernc) or PostgreSQL
// (lib/pq).
//
// Every mutating operation runs as one transaction. Uniqueness constraints
// are the admission gate for grants: a grant relation is inserted with
// ON CONFLICT DO NOTHING and the usage counter is bumped only when a row
// was written. Transient contention is retried a bounded number of times;
// logical outcomes are returned as sentinel errors and never retried.
package storage
