package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "pillpal/pkg/logx"
)

//go:embed migrations.sql
var sqliteSchema string

// sqlStore is a database/sql backed store. It serves the sqlite driver and
// any *sql.DB handed to NewSQL.
type sqlStore struct {
	db    *sql.DB
	log   logx.Logger
	table string
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqlStore{db: db, log: log, table: defaultTable}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

// NewSQL wraps an already-open database whose schema matches migrations.sql.
// The caller owns migrations; Close closes db.
func NewSQL(db *sql.DB, log logx.Logger) Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, log: log, table: defaultTable}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *sqlStore) Put(ctx context.Context, key string, value []byte) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.table+`(key, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, string(value), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqlStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrDisabled
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM `+s.table+` WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(v), true, nil
}

func (s *sqlStore) Scan(ctx context.Context) ([]KV, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM `+s.table+` ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KV
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out = append(out, KV{Key: k, Value: []byte(v)})
	}
	return out, rows.Err()
}

func (s *sqlStore) Delete(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE key = ?`, key)
	return err
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
