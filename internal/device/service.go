package device

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pillpal/internal/eventbus"
	"pillpal/internal/prescription"
	logx "pillpal/pkg/logx"
)

var ErrNoPublisher = errors.New("device publisher not configured")

// Config controls delivery.
type Config struct {
	Topic          string
	RatePerSec     int
	RetryMax       int
	RetryBase      time.Duration
	RetryMaxDelay  time.Duration
	AttemptTimeout time.Duration
	HistorySize    int
}

// Receipt describes a delivered command.
type Receipt struct {
	Topic    string    `json:"topic"`
	Attempts int       `json:"attempts"`
	Alarms   int       `json:"alarms"`
	Bytes    int       `json:"bytes"`
	At       time.Time `json:"at"`
}

type HistoryItem struct {
	At       time.Time `json:"at"`
	Topic    string    `json:"topic"`
	Alarms   int       `json:"alarms"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
}

// PublishEvent is the Data of device.* bus events.
type PublishEvent struct {
	Topic    string        `json:"topic"`
	Alarms   int           `json:"alarms"`
	Attempts int           `json:"attempts"`
	Took     time.Duration `json:"took"`
	Error    string        `json:"error,omitempty"`
}

// Service delivers commands synchronously with retry. It is safe for
// concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	pub Publisher
	log logx.Logger
	bus eventbus.Bus

	hmu     sync.Mutex
	history []HistoryItem

	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, pub Publisher, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		pub:   pub,
		log:   log.With(logx.String("comp", "device")),
		bus:   bus,
		sleep: sleepCtx,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Topic() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Topic
}

// PublishRecord delivers the alarm table of a single prescription.
func (s *Service) PublishRecord(ctx context.Context, rec prescription.Record) (Receipt, error) {
	return s.Publish(ctx, CommandForRecord(rec))
}

// Publish encodes cmd and delivers it, retrying transient failures. After
// the last attempt it returns a *prescription.NotificationError.
func (s *Service) Publish(ctx context.Context, cmd Command) (Receipt, error) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	if s.pub == nil {
		return Receipt{}, &prescription.NotificationError{Topic: cfg.Topic, Err: ErrNoPublisher}
	}
	payload, err := cmd.Encode()
	if err != nil {
		return Receipt{}, &prescription.NotificationError{Topic: cfg.Topic, Err: err}
	}

	maxAttempts := 1 + cfg.RetryMax
	start := time.Now()
	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		attempts = attempt

		callCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
		err := s.pub.Publish(callCtx, cfg.Topic, payload)
		cancel()
		if err == nil {
			rcpt := Receipt{Topic: cfg.Topic, Attempts: attempt, Alarms: len(cmd.Alarms), Bytes: len(payload), At: time.Now().UTC()}
			s.appendHistory(HistoryItem{At: rcpt.At, Topic: cfg.Topic, Alarms: rcpt.Alarms, Attempts: attempt})
			eventbus.Publish(s.bus, eventbus.DevicePublished, PublishEvent{Topic: cfg.Topic, Alarms: rcpt.Alarms, Attempts: attempt, Took: time.Since(start)})
			s.log.Info("device configured", logx.String("topic", cfg.Topic), logx.Int("alarms", rcpt.Alarms), logx.Int("attempts", attempt))
			return rcpt, nil
		}
		lastErr = err
		s.log.Debug("device publish failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if isPermanent(err) || attempt >= maxAttempts {
			break
		}
		if err := s.sleep(ctx, retryDelay(cfg, attempt)); err != nil {
			lastErr = err
			break
		}
	}

	nerr := &prescription.NotificationError{Topic: cfg.Topic, Attempts: attempts, Err: lastErr}
	s.appendHistory(HistoryItem{At: time.Now().UTC(), Topic: cfg.Topic, Alarms: len(cmd.Alarms), Attempts: attempts, Error: lastErr.Error()})
	eventbus.Publish(s.bus, eventbus.DeviceFailed, PublishEvent{Topic: cfg.Topic, Alarms: len(cmd.Alarms), Attempts: attempts, Took: time.Since(start), Error: lastErr.Error()})
	s.log.Warn("device publish gave up", logx.String("topic", cfg.Topic), logx.Int("attempts", attempts), logx.Err(lastErr))
	return Receipt{}, nerr
}

// History returns recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(it HistoryItem) {
	s.mu.Lock()
	max := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > max {
		s.history = s.history[len(s.history)-max:]
	}
	s.hmu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryDelay is the wait before attempt+1: base * 2^(attempt-1), capped,
// with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
