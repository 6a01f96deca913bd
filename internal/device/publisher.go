package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	logx "pillpal/pkg/logx"
)

// Publisher sends one encoded payload to topic. Implementations must honor
// ctx cancellation; the Service bounds every attempt with a deadline.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, topic string, payload []byte) error

func (f PublisherFunc) Publish(ctx context.Context, topic string, payload []byte) error {
	return f(ctx, topic, payload)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// PublisherConfig selects and configures the transport.
//
// Driver values: "log" (default), "file", "pgnotify", "none".
type PublisherConfig struct {
	Driver    string
	SpoolPath string // file
	DSN       string // pgnotify
}

// OpenPublisher builds the configured Publisher. The returned close func is
// never nil.
func OpenPublisher(cfg PublisherConfig, log logx.Logger) (Publisher, func() error, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log":
		return NewLogPublisher(log), noop, nil
	case "none":
		return PublisherFunc(func(context.Context, string, []byte) error { return nil }), noop, nil
	case "file":
		p, err := NewFilePublisher(cfg.SpoolPath)
		if err != nil {
			return nil, noop, err
		}
		return p, p.Close, nil
	case "pgnotify", "postgres":
		p, err := NewPGNotifyPublisher(cfg.DSN)
		if err != nil {
			return nil, noop, err
		}
		return p, p.Close, nil
	default:
		return nil, noop, errors.New("unknown device publisher: " + cfg.Driver)
	}
}

// LogPublisher writes payloads to the log. Useful without a device attached.
type LogPublisher struct {
	log logx.Logger
}

func NewLogPublisher(log logx.Logger) *LogPublisher {
	return &LogPublisher{log: log.With(logx.String("comp", "device.log"))}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.log.Info("device command", logx.String("topic", topic), logx.String("payload", string(payload)))
	return nil
}

// FilePublisher appends one JSON line per command to a spool file that the
// device gateway tails.
type FilePublisher struct {
	mu sync.Mutex
	f  *os.File
}

type spoolLine struct {
	At      time.Time       `json:"at"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func NewFilePublisher(path string) (*FilePublisher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("device.spool_path is required for file publisher")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &FilePublisher{f: f}, nil
}

func (p *FilePublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !json.Valid(payload) {
		return Permanent(errors.New("payload is not valid JSON"))
	}
	b, err := json.Marshal(spoolLine{At: time.Now().UTC(), Topic: topic, Payload: payload})
	if err != nil {
		return Permanent(err)
	}
	b = append(b, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return errors.New("spool file closed")
	}
	if _, err := p.f.Write(b); err != nil {
		return err
	}
	return p.f.Sync()
}

func (p *FilePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return nil
	}
	err := p.f.Close()
	p.f = nil
	return err
}

// PGNotifyPublisher delivers commands with PostgreSQL NOTIFY; the device
// gateway LISTENs on the topic as channel name.
type PGNotifyPublisher struct {
	db *sql.DB
}

func NewPGNotifyPublisher(dsn string) (*PGNotifyPublisher, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("device.dsn is required for pgnotify publisher")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	return &PGNotifyPublisher{db: db}, nil
}

// NewPGNotifyPublisherDB wraps an open handle.
func NewPGNotifyPublisherDB(db *sql.DB) *PGNotifyPublisher {
	return &PGNotifyPublisher{db: db}
}

func (p *PGNotifyPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, topic, string(payload))
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 22 (data exception) covers oversized payloads and bad
		// channel names; resending cannot help.
		if pqErr.Code.Class() == "22" {
			return Permanent(fmt.Errorf("notify %s: %w", pq.QuoteIdentifier(topic), err))
		}
	}
	return fmt.Errorf("notify %s: %w", pq.QuoteIdentifier(topic), err)
}

func (p *PGNotifyPublisher) Close() error { return p.db.Close() }
