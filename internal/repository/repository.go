// Package repository stores prescription records in a key-value backend.
//
// Every backend call is bounded by a timeout; any failure, including a
// timeout, surfaces as *prescription.StorageError.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pillpal/internal/prescription"
	"pillpal/internal/storage"
	logx "pillpal/pkg/logx"
)

const DefaultTimeout = 5 * time.Second

type Options struct {
	// Timeout bounds each backend call. Zero means DefaultTimeout.
	Timeout time.Duration
	Now     func() time.Time
	// NewID overrides id generation (tests).
	NewID func() (string, error)
}

type Repository struct {
	store   storage.Store
	log     logx.Logger
	timeout time.Duration
	now     func() time.Time
	newID   func() (string, error)
}

// CleanupReport summarizes a CleanupAll pass.
type CleanupReport struct {
	Scanned int `json:"scanned"`
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}

func New(store storage.Store, log logx.Logger, opts Options) *Repository {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Repository{
		store:   store,
		log:     log.With(logx.String("comp", "repository")),
		timeout: opts.Timeout,
		now:     opts.Now,
		newID:   opts.NewID,
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = NewID
	}
	return r
}

// NewID returns a time-ordered unique record id.
func NewID() (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return prescription.IDPrefix + u.String(), nil
}

// Save persists rec and returns its id. A missing id or creation time is
// assigned here.
func (r *Repository) Save(ctx context.Context, rec prescription.Record) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	rec = rec.Clone()
	if rec.ID == "" {
		id, err := r.newID()
		if err != nil {
			return "", &prescription.StorageError{Op: "save", Err: fmt.Errorf("generate id: %w", err)}
		}
		rec.ID = id
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return "", &prescription.StorageError{Op: "save", Key: rec.ID, Err: err}
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.store.Put(cctx, rec.ID, b); err != nil {
		return "", &prescription.StorageError{Op: "save", Key: rec.ID, Err: err}
	}
	if r.log.Enabled(logx.LevelDebug) {
		r.log.Debug("prescription saved", logx.String("id", rec.ID), logx.String("record", string(b)))
	} else {
		r.log.Info("prescription saved", logx.String("id", rec.ID), logx.String("medication", rec.MedicationName))
	}
	return rec.ID, nil
}

// Get loads one record. found is false when id is absent.
func (r *Repository) Get(ctx context.Context, id string) (prescription.Record, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return prescription.Record{}, false, nil
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	b, ok, err := r.store.Get(cctx, id)
	if err != nil {
		return prescription.Record{}, false, &prescription.StorageError{Op: "get", Key: id, Err: err}
	}
	if !ok {
		return prescription.Record{}, false, nil
	}
	rec, err := decodeRecord(id, b)
	if err != nil {
		return prescription.Record{}, false, &prescription.StorageError{Op: "decode", Key: id, Err: err}
	}
	return rec, true, nil
}

// List returns a snapshot of every record. Values that cannot be decoded
// are logged and left out.
func (r *Repository) List(ctx context.Context) ([]prescription.Record, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	kvs, err := r.store.Scan(cctx)
	if err != nil {
		return nil, &prescription.StorageError{Op: "scan", Err: err}
	}
	out := make([]prescription.Record, 0, len(kvs))
	for _, kv := range kvs {
		rec, err := decodeRecord(kv.Key, kv.Value)
		if err != nil {
			r.log.Warn("skipping undecodable record", logx.String("id", kv.Key), logx.Err(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes id. Deleting an absent id is a no-op.
func (r *Repository) Delete(ctx context.Context, id string) error {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.store.Delete(cctx, id); err != nil {
		return &prescription.StorageError{Op: "delete", Key: id, Err: err}
	}
	r.log.Debug("prescription deleted", logx.String("id", id))
	return nil
}

// CleanupAll scans then deletes every record. Per-item failures are logged
// and counted; only a failed scan returns an error.
func (r *Repository) CleanupAll(ctx context.Context) (CleanupReport, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	kvs, err := r.store.Scan(cctx)
	cancel()
	if err != nil {
		return CleanupReport{}, &prescription.StorageError{Op: "scan", Err: err}
	}

	rep := CleanupReport{Scanned: len(kvs)}
	for _, kv := range kvs {
		if err := r.Delete(ctx, kv.Key); err != nil {
			rep.Failed++
			r.log.Warn("cleanup delete failed", logx.String("id", kv.Key), logx.Err(err))
			continue
		}
		rep.Deleted++
	}
	if rep.Scanned > 0 {
		r.log.Info("cleanup done", logx.Int("deleted", rep.Deleted), logx.Int("failed", rep.Failed))
	}
	return rep, nil
}
