package storage

import (
	"errors"
	"strings"

	logx "pillpal/pkg/logx"
)

// Open initializes the configured store.
// It returns ErrDisabled if the driver is "none".
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "none":
		return nil, ErrDisabled
	case "", "memory", "mem":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
