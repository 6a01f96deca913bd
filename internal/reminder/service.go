package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pillpal/internal/eventbus"
	"pillpal/internal/prescription"
	"pillpal/internal/schedule"
	logx "pillpal/pkg/logx"
)

type doseDef struct {
	at      string
	entries []schedule.Entry
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	bus    eventbus.Bus
	src    Source
	sender Sender

	parser    cron.Parser
	c         *cron.Cron
	refreshID cron.EntryID
	doses     map[string]*doseDef

	// runCtx bounds cron-triggered jobs; canceled by Stop.
	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, src Source, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    withDefaults(cfg),
		log:    log.With(logx.String("comp", "reminder")),
		bus:    bus,
		src:    src,
		sender: sender,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		doses:  map[string]*doseDef{},
	}
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.RefreshSpec) == "" {
		cfg.RefreshSpec = DefaultRefreshSpec
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	return cfg
}

// ValidateSpec reports whether spec is a cron expression the service accepts.
func ValidateSpec(spec string) error {
	p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	_, err := p.Parse(spec)
	return err
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps config. A timezone or refresh spec change restarts cron.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	c := s.c
	restart := c != nil && (strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) || old.RefreshSpec != cfg.RefreshSpec)
	if restart {
		s.c = nil
	}
	s.mu.Unlock()

	if restart {
		// Jobs take s.mu, so wait for them outside the lock.
		<-c.Stop().Done()
		s.mu.Lock()
		if s.c == nil {
			if err := s.startCronLocked(); err != nil {
				s.log.Error("restart failed", logx.Err(err))
			} else {
				s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("dose_slots", len(s.doses)))
			}
		}
		s.mu.Unlock()
	}
	if c != nil && old.DoseReminders != cfg.DoseReminders {
		if err := s.Rebuild(context.Background()); err != nil {
			s.log.Warn("rebuild after config change failed", logx.Err(err))
		}
	}
}

// Start registers the refresh job and today's dose entries.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return nil
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		s.log.Info("reminders disabled")
		return nil
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	if err := s.startCronLocked(); err != nil {
		s.runCancel()
		s.mu.Unlock()
		return err
	}
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.String("refresh", s.cfg.RefreshSpec))
	s.mu.Unlock()

	return s.Rebuild(ctx)
}

func (s *Service) startCronLocked() error {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	id, err := s.c.AddFunc(s.cfg.RefreshSpec, s.refreshJob)
	if err != nil {
		s.c = nil
		return fmt.Errorf("refresh spec %q: %w", s.cfg.RefreshSpec, err)
	}
	s.refreshID = id
	for _, d := range s.doses {
		s.addDoseLocked(d)
	}
	s.c.Start()
	return nil
}

// Stop halts cron and waits for running jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.runCancel
	s.mu.Unlock()

	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// Run rebuilds dose entries whenever a dispatch completes. It returns when
// ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if s.bus == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ch, unsub := s.bus.Subscribe(16)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return errors.New("event bus closed")
			}
			if ev.Type != eventbus.DispatchDone {
				continue
			}
			if err := s.Rebuild(ctx); err != nil {
				s.log.Warn("rebuild after dispatch failed", logx.Err(err))
			}
		}
	}
}

// Rebuild replaces the dose entries with today's distinct dose times.
func (s *Service) Rebuild(ctx context.Context) error {
	s.mu.Lock()
	enabled := s.cfg.DoseReminders && s.c != nil
	timeout := s.cfg.RefreshTimeout
	s.mu.Unlock()

	var entries []schedule.Entry
	if enabled {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		view, err := s.src.DailySchedule(cctx, time.Time{})
		cancel()
		if err != nil {
			return err
		}
		entries = view.Entries
	}

	byTime := map[string][]schedule.Entry{}
	for _, e := range entries {
		byTime[e.Time] = append(byTime[e.Time], e)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for at, d := range s.doses {
		if s.c != nil {
			s.c.Remove(d.entryID)
		}
		delete(s.doses, at)
	}
	for at, es := range byTime {
		d := &doseDef{at: at, entries: es}
		s.doses[at] = d
		if s.c != nil {
			s.addDoseLocked(d)
		}
	}
	s.log.Debug("dose entries rebuilt", logx.Int("slots", len(s.doses)), logx.Int("doses", len(entries)))
	return nil
}

func (s *Service) addDoseLocked(d *doseDef) {
	spec, err := doseSpec(d.at)
	if err != nil {
		s.log.Warn("dose time skipped", logx.String("time", d.at), logx.Err(err))
		return
	}
	at := d.at
	id, err := s.c.AddFunc(spec, func() { s.fire(at) })
	if err != nil {
		s.log.Warn("dose entry register failed", logx.String("spec", spec), logx.Err(err))
		return
	}
	d.entryID = id
}

func doseSpec(at string) (string, error) {
	mins, err := prescription.ParseClock(at)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", mins%60, mins/60), nil
}

func (s *Service) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		return context.Background()
	}
	return s.runCtx
}

func (s *Service) refreshJob() {
	s.mu.Lock()
	timeout := s.cfg.RefreshTimeout
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.jobContext(), timeout)
	defer cancel()
	if err := s.Refresh(ctx); err != nil {
		s.log.Warn("daily refresh failed", logx.Err(err))
	}
}

// Refresh republishes today's alarm table and rebuilds dose entries.
func (s *Service) Refresh(ctx context.Context) error {
	view, err := s.src.RefreshDevice(ctx, time.Time{})
	if err != nil {
		// The schedule may still be usable even if the device was unreachable.
		s.log.Warn("device refresh failed", logx.String("date", view.Date), logx.Err(err))
	} else {
		s.log.Info("device refreshed", logx.String("date", view.Date), logx.Int("alarms", len(view.Entries)))
	}
	if rerr := s.Rebuild(ctx); rerr != nil {
		return rerr
	}
	return err
}

func (s *Service) fire(at string) {
	s.mu.Lock()
	d := s.doses[at]
	var entries []schedule.Entry
	if d != nil {
		entries = append(entries, d.entries...)
	}
	timeout := s.cfg.SendTimeout
	sender := s.sender
	s.mu.Unlock()

	if len(entries) == 0 || sender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.jobContext(), timeout)
	defer cancel()
	if err := sender.SendReminder(ctx, FormatReminder(at, entries)); err != nil {
		s.log.Warn("reminder send failed", logx.String("time", at), logx.Err(err))
		return
	}
	s.log.Debug("reminder sent", logx.String("time", at), logx.Int("doses", len(entries)))
}

// Slots lists registered dose times in order.
func (s *Service) Slots() []DoseSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DoseSlot, 0, len(s.doses))
	for at, d := range s.doses {
		slot := DoseSlot{Time: at, Doses: len(d.entries)}
		if s.c != nil && d.entryID != 0 {
			slot.NextRun = s.c.Entry(d.entryID).Next
		}
		out = append(out, slot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}
