package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process map (default when empty)
//   - "file": snapshot + journal under Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable via DSN
//
// "none" disables storage entirely.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	Table       string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgx default
	MinConns    int32
}

// KV is one stored pair.
type KV struct {
	Key   string
	Value []byte
}

// Store is the minimal KV API used by the repository.
//
// Get reports ok=false for a missing key. Delete of a missing key is not an
// error. Scan returns a point-in-time copy of every pair, ordered by key.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Scan(ctx context.Context) ([]KV, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

const defaultTable = "prescriptions"

func tableName(cfg Config) string {
	if cfg.Table != "" {
		return cfg.Table
	}
	return defaultTable
}
