// Package ingress feeds extraction results dropped into an inbox directory to
// the dispatcher.
//
// Each *.json file holds one prescription. A sweep dispatches every file in
// name order and moves it to processed/ or failed/. Files that fail for a
// transient reason (store outage) stay in the inbox and are retried by the
// next sweep. A dispatched file that cannot be moved is not dispatched again;
// later sweeps only retry the move.
package ingress

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"pillpal/internal/dispatch"
	"pillpal/internal/eventbus"
	"pillpal/internal/prescription"
	logx "pillpal/pkg/logx"
)

type Config struct {
	InboxDir     string
	ProcessedDir string // default <inbox>/processed
	FailedDir    string // default <inbox>/failed
	// Settle waits for writers to finish before a sweep.
	Settle time.Duration
	// Rescan sweeps periodically to retry files left behind by transient errors.
	Rescan          time.Duration
	DispatchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProcessedDir == "" && c.InboxDir != "" {
		c.ProcessedDir = filepath.Join(c.InboxDir, "processed")
	}
	if c.FailedDir == "" && c.InboxDir != "" {
		c.FailedDir = filepath.Join(c.InboxDir, "failed")
	}
	if c.Settle <= 0 {
		c.Settle = 500 * time.Millisecond
	}
	if c.Rescan <= 0 {
		c.Rescan = time.Minute
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	return c
}

type Dispatcher interface {
	OnNewPrescription(ctx context.Context, details prescription.Details) (dispatch.Result, error)
}

type Status string

const (
	StatusDispatched Status = "dispatched"
	StatusDuplicate  Status = "duplicate"
	StatusRejected   Status = "rejected"
	StatusRetry      Status = "retry"
)

type Outcome struct {
	File    string
	Status  Status
	Result  dispatch.Result
	Err     error
	MovedTo string
}

type Watcher struct {
	disp Dispatcher
	log  logx.Logger
	bus  eventbus.Bus

	mu  sync.Mutex
	cfg Config

	// sweepMu keeps sweeps from overlapping (watch loop vs. manual Sweep).
	sweepMu sync.Mutex
	// handled holds content hashes of files already dispatched whose move
	// out of the inbox failed. Guarded by sweepMu.
	handled map[string]string

	rename func(oldpath, newpath string) error
}

func New(cfg Config, disp Dispatcher, log logx.Logger, bus eventbus.Bus) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{
		cfg:  cfg.withDefaults(),
		disp: disp,
		log:  log.With(logx.String("comp", "ingress")),
		bus:  bus,

		handled: map[string]string{},
		rename:  os.Rename,
	}
}

// Apply swaps timing settings. Directory changes take effect when Run restarts.
func (w *Watcher) Apply(cfg Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cfg = cfg.withDefaults()
	cfg.InboxDir, cfg.ProcessedDir, cfg.FailedDir = w.cfg.InboxDir, w.cfg.ProcessedDir, w.cfg.FailedDir
	w.cfg = cfg
}

func (w *Watcher) config() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

func (w *Watcher) ensureDirs(cfg Config) error {
	if strings.TrimSpace(cfg.InboxDir) == "" {
		return errors.New("ingress: inbox dir is empty")
	}
	for _, d := range []string{cfg.InboxDir, cfg.ProcessedDir, cfg.FailedDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("ingress: mkdir %s: %w", d, err)
		}
	}
	return nil
}

// Run sweeps once, then again whenever a json file lands in the inbox. It
// returns nil when ctx is done and an error if the watcher breaks.
func (w *Watcher) Run(ctx context.Context) error {
	cfg := w.config()
	if err := w.ensureDirs(cfg); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(cfg.InboxDir); err != nil {
		return fmt.Errorf("ingress: watch %s: %w", cfg.InboxDir, err)
	}
	w.log.Info("watching inbox", logx.String("dir", cfg.InboxDir))

	w.Sweep(ctx)

	// A single timer coalesces bursts of events into one sweep.
	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()
	rescan := time.NewTicker(cfg.Rescan)
	defer rescan.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("ingress: watcher closed")
			}
			if !isCandidate(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				settle.Reset(w.config().Settle)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("ingress: watcher closed")
			}
			if err == nil {
				continue
			}
			// Overflow means we may have missed events; a sweep catches up.
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.log.Warn("inbox watch overflow; sweeping", logx.Err(err))
				settle.Reset(w.config().Settle)
				continue
			}
			return fmt.Errorf("ingress: watch: %w", err)
		case <-settle.C:
			w.Sweep(ctx)
		case <-rescan.C:
			w.Sweep(ctx)
		}
	}
}

func isCandidate(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "~") {
		return false
	}
	return strings.EqualFold(filepath.Ext(base), ".json")
}

// Sweep dispatches every json file currently in the inbox. Byte-identical
// files within one sweep are dispatched once.
func (w *Watcher) Sweep(ctx context.Context) []Outcome {
	w.sweepMu.Lock()
	defer w.sweepMu.Unlock()

	cfg := w.config()
	if err := w.ensureDirs(cfg); err != nil {
		w.log.Error("sweep skipped", logx.Err(err))
		return nil
	}
	ents, err := os.ReadDir(cfg.InboxDir)
	if err != nil {
		w.log.Error("read inbox failed", logx.String("dir", cfg.InboxDir), logx.Err(err))
		return nil
	}
	var names []string
	for _, e := range ents {
		if e.Type().IsRegular() && isCandidate(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	seen := map[string]string{}
	out := make([]Outcome, 0, len(names))
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		o := w.handle(ctx, cfg, filepath.Join(cfg.InboxDir, name), seen)
		out = append(out, o)
	}
	if ctx.Err() == nil {
		for k := range w.handled {
			if _, ok := seen[k]; !ok {
				delete(w.handled, k)
			}
		}
	}
	if len(out) > 0 {
		w.log.Debug("inbox swept", logx.Int("files", len(out)))
	}
	return out
}

func (w *Watcher) handle(ctx context.Context, cfg Config, path string, seen map[string]string) Outcome {
	o := Outcome{File: path}
	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.log.Warn("read inbox file failed", logx.String("file", path), logx.Err(err))
		}
		o.Status, o.Err = StatusRetry, err
		return o
	}

	sum := sha256.Sum256(b)
	key := hex.EncodeToString(sum[:])
	if first, dup := seen[key]; dup {
		o.Status = StatusDuplicate
		o.MovedTo = w.moveHandled(path, cfg.ProcessedDir, key)
		w.log.Info("duplicate inbox file skipped", logx.String("file", path), logx.String("same_as", first))
		return o
	}
	if first, done := w.handled[key]; done {
		// Dispatched by an earlier sweep; only the move is retried.
		seen[key] = first
		o.Status = StatusDuplicate
		o.MovedTo = w.moveHandled(path, cfg.ProcessedDir, key)
		return o
	}

	details, err := prescription.DecodeDetails(bytes.NewReader(b))
	if err != nil {
		return w.reject(cfg, o, err)
	}

	dctx, cancel := context.WithTimeout(ctx, cfg.DispatchTimeout)
	res, err := w.disp.OnNewPrescription(dctx, details)
	cancel()
	if err != nil {
		if errors.Is(err, prescription.ErrValidation) {
			return w.reject(cfg, o, err)
		}
		o.Status, o.Err = StatusRetry, err
		w.log.Warn("dispatch failed; file kept for retry", logx.String("file", path), logx.Err(err))
		return o
	}

	seen[key] = filepath.Base(path)
	o.Status, o.Result = StatusDispatched, res
	o.MovedTo = w.moveHandled(path, cfg.ProcessedDir, key)
	eventbus.Publish(w.bus, eventbus.IngressProcessed, o)
	w.log.Info("inbox file dispatched",
		logx.String("file", filepath.Base(path)),
		logx.String("id", res.PrescriptionID),
		logx.Bool("notify_warning", res.NotifyWarning))
	return o
}

func (w *Watcher) reject(cfg Config, o Outcome, err error) Outcome {
	o.Status, o.Err = StatusRejected, err
	o.MovedTo = w.move(o.File, cfg.FailedDir)
	if o.MovedTo != "" {
		if werr := os.WriteFile(o.MovedTo+".err", []byte(err.Error()+"\n"), 0o644); werr != nil {
			w.log.Warn("write reject note failed", logx.String("file", o.MovedTo+".err"), logx.Err(werr))
		}
	}
	eventbus.Publish(w.bus, eventbus.IngressRejected, o)
	w.log.Warn("inbox file rejected", logx.String("file", filepath.Base(o.File)), logx.Err(err))
	return o
}

// moveHandled moves a file whose content was already dispatched. If the
// move fails the hash is remembered so later sweeps do not dispatch it again.
func (w *Watcher) moveHandled(path, dir, key string) string {
	dst := w.move(path, dir)
	if dst == "" {
		w.handled[key] = filepath.Base(path)
		return ""
	}
	delete(w.handled, key)
	return dst
}

// move renames path into dir, adding a timestamp when the name is taken.
// It returns the new path, or "" if the file could not be moved.
func (w *Watcher) move(path, dir string) string {
	base := filepath.Base(path)
	dst := filepath.Join(dir, base)
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(base)
		dst = filepath.Join(dir, fmt.Sprintf("%s.%d%s", strings.TrimSuffix(base, ext), time.Now().UnixNano(), ext))
	}
	if err := w.rename(path, dst); err != nil {
		w.log.Error("move inbox file failed", logx.String("file", path), logx.String("dst", dst), logx.Err(err))
		return ""
	}
	return dst
}

// DispatchFile decodes one prescription file and dispatches it without
// moving it.
func DispatchFile(ctx context.Context, disp Dispatcher, path string) (dispatch.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return dispatch.Result{}, err
	}
	defer f.Close()
	details, err := prescription.DecodeDetails(f)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return disp.OnNewPrescription(ctx, details)
}
