// Package storage is the key-value persistence layer behind the prescription
// repository.
//
// Values are opaque bytes (the repository stores JSON). Drivers:
//   - memory: process-local map, for tests and dry runs
//   - file: JSON snapshot plus append-only journal
//   - sqlite: modernc SQLite, WAL mode, embedded schema
//   - postgres: pgx connection pool, JSONB column
package storage
