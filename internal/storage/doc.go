// Package storage persists the delivery audit: one record per settled
// outbound message, edit or delete.
//
// Drivers:
//   - "file": JSON Lines file, pruned by rewriting
//   - "sqlite": SQLite database (modernc.org/sqlite, no cgo)
package storage
