package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "pillpal/pkg/logx"
)

// pgStore keeps each pair in a row of a JSONB table. Values must be JSON.
type pgStore struct {
	pool  *pgxpool.Pool
	log   logx.Logger
	table string // sanitized identifier
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := newPool(ctx, dsn, cfg.MaxConns, cfg.MinConns)
	if err != nil {
		return nil, err
	}
	st := &pgStore{
		pool:  pool,
		log:   log,
		table: pgx.Identifier{tableName(cfg)}.Sanitize(),
	}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres store opened", logx.String("table", st.table))
	return st, nil
}

func newPool(ctx context.Context, dsn string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		pcfg.MaxConns = maxConns
	}
	if minConns > 0 {
		pcfg.MinConns = minConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func (s *pgStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		key        TEXT PRIMARY KEY,
		value      JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	return err
}

func (s *pgStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table+` (key, value, updated_at) VALUES ($1, $2::jsonb, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, string(value))
	return err
}

func (s *pgStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value::text FROM `+s.table+` WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(v), true, nil
}

func (s *pgStore) Scan(ctx context.Context) ([]KV, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value::text FROM `+s.table+` ORDER BY key`)
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

func (s *pgStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM `+s.table+` WHERE key = $1`, key)
	return err
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}
