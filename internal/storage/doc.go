// Package storage is the Recipient Store and the narrow directory contract the
// dispatch engine needs from the persistence layer.
//
// Drivers:
//   - "memory": in-process maps, used by tests and local demos
//   - "sqlite": SQLite database file (build tag "sqlite"); claims use a
//     compare-and-swap on the row version
//   - "postgres": PostgreSQL via pgx; claims use FOR UPDATE SKIP LOCKED
//
// Every driver keeps the same external contract for ClaimNext: one row per
// call, never the same row to two concurrent callers, never blocking on a row
// another caller holds. Bulk operations (insert, delete, dedup) are single
// set-based statements, never per-row loops against the database.
package storage
