// Package supervisor runs the long-lived loops of the service (inbox watch,
// reminder bus listener, metrics collector, http server) under one context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "pillpal/pkg/logx"
)

// Supervisor manages goroutines tied to a shared context:
//   - named goroutines with per-name stats
//   - panic recovery
//   - optional cancel on first error
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	errOnce  sync.Once
	firstErr atomic.Value // error

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	mu    sync.Mutex
	stats map[string]*LoopStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first non-nil error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		doneCh: make(chan struct{}),
		stats:  map[string]*LoopStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded error, if any.
func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

// LoopStats is a best-effort view of one named loop.
type LoopStats struct {
	Name        string    `json:"name"`
	Active      int       `json:"active"`
	Starts      int       `json:"starts"`
	Restarts    int       `json:"restarts"`
	Panics      int       `json:"panics"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
	LastErrAt   time.Time `json:"last_err_at,omitempty"`
}

type Snapshot struct {
	FirstError string      `json:"first_error,omitempty"`
	Loops      []LoopStats `json:"loops"`
}

// Snapshot is for health output only.
func (s *Supervisor) Snapshot() Snapshot {
	var snap Snapshot
	if s == nil {
		return snap
	}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, st := range s.stats {
		snap.Loops = append(snap.Loops, *st)
	}
	s.mu.Unlock()
	sort.Slice(snap.Loops, func(i, j int) bool { return snap.Loops[i].Name < snap.Loops[j].Name })
	return snap
}

func (s *Supervisor) track(name string, fn func(st *LoopStats)) {
	s.mu.Lock()
	st := s.stats[name]
	if st == nil {
		st = &LoopStats{Name: name}
		s.stats[name] = st
	}
	fn(st)
	s.mu.Unlock()
}

func (s *Supervisor) noteStart(name string, restart bool) {
	s.track(name, func(st *LoopStats) {
		st.Active++
		st.Starts++
		if restart {
			st.Restarts++
		}
		st.LastStartAt = time.Now()
	})
}

func (s *Supervisor) noteStop(name string, err error, panicked bool) {
	s.track(name, func(st *LoopStats) {
		if st.Active > 0 {
			st.Active--
		}
		if panicked {
			st.Panics++
		}
		if err != nil {
			st.LastErr = err.Error()
			st.LastErrAt = time.Now()
		}
	})
}

// runOnce calls fn, converting a panic into an error.
func (s *Supervisor) runOnce(name string, fn func(ctx context.Context) error) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err, panicked = fmt.Errorf("panic in %s: %v", name, r), true
		}
	}()
	return fn(s.ctx), false
}

// Go runs fn once. A non-nil error other than context.Canceled is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.noteStart(name, false)
		s.log.Debug("goroutine started", logx.String("name", name))

		err, panicked := s.runOnce(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			if !panicked {
				err = fmt.Errorf("%s: %w", name, err)
			}
			s.noteStop(name, err, panicked)
			s.setErr(err)
		} else {
			s.noteStop(name, nil, false)
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int // <=0 means unlimited
	publishFirstErr bool
}

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts; the final error is recorded.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithPublishFirstError records the first failure even though the loop keeps
// restarting, so it shows up in health output.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// GoRestart runs fn and restarts it with jittered exponential backoff when
// it fails or panics. A nil return or cancellation stops the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := cfg.minBackoff
		for restarts := 0; ; restarts++ {
			if s.ctx.Err() != nil {
				return
			}
			s.noteStart(name, restarts > 0)
			startedAt := time.Now()
			err, panicked := s.runOnce(name, fn)

			if s.ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				s.noteStop(name, nil, false)
				return
			}
			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, err, panicked)
			if cfg.publishFirstErr {
				s.errOnce.Do(func() { s.firstErr.Store(err) })
			}

			if cfg.maxRestarts > 0 && restarts >= cfg.maxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.setErr(err)
				return
			}
			// A loop that ran for a while starts over from the minimum.
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			wait := backoff
			if j := int64(wait) / 5; j > 0 {
				wait += time.Duration(time.Now().UnixNano() % (j + 1))
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff *= 2
			if backoff > cfg.maxBackoff {
				backoff = cfg.maxBackoff
			}
		}
	}()
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}
