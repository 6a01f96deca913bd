package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"pillpal/internal/config"
	"pillpal/internal/device"
	"pillpal/internal/dispatch"
	"pillpal/internal/eventbus"
	"pillpal/internal/ingress"
	"pillpal/internal/observability"
	"pillpal/internal/reminder"
	"pillpal/internal/repository"
	"pillpal/internal/runtime/supervisor"
	"pillpal/internal/storage"
	logx "pillpal/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	base  logx.Logger // untagged; handed to components
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	// logOut survives reloads, which rebuild the log config from file.
	logOut io.Writer

	repo     *repository.Repository
	device   *device.Service
	closePub func() error
	disp     *dispatch.Dispatcher
	sender   *switchSender
	remind   *reminder.Service
	metrics  *observability.Metrics
	ops      *observability.Server

	// ingress runs under its own supervisor so a reload can stop and
	// restart it without touching the other loops.
	ingMu   sync.Mutex
	ingCfg  ingress.Config
	ingress *ingress.Watcher
	ingSup  *supervisor.Supervisor

	closeOnce sync.Once
}

type Option func(*options)

type options struct {
	logWriter io.Writer
}

// WithLogWriter sends console logs to w instead of stdout.
func WithLogWriter(w io.Writer) Option { return func(o *options) { o.logWriter = w } }

// NewApp loads the config at cfgPath and builds every component. Nothing
// runs until Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(validate)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg, o)
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config, o options) (*App, error) {
	lcfg := mapLogConfig(cfg)
	lcfg.Writer = o.logWriter
	logSvc, log := logx.New(lcfg)
	a := &App{
		cfgm:     cfgm,
		logs:     logSvc,
		log:      log.With(logx.String("comp", "app")),
		base:     log,
		bus:      eventbus.New(),
		closePub: func() error { return nil },
		sender:   &switchSender{},
		logOut:   o.logWriter,
	}
	built := false
	defer func() {
		if !built {
			_ = a.closeResources()
			_ = logSvc.Close()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	ropts, err := mapRepositoryOptions(cfg)
	if err != nil {
		return nil, err
	}
	a.repo = repository.New(a.store, log, ropts)

	pub, closePub, err := device.OpenPublisher(mapPublisherConfig(cfg), log.With(logx.String("comp", "device_publisher")))
	if err != nil {
		return nil, fmt.Errorf("open device publisher: %w", err)
	}
	a.closePub = closePub
	dcfg, err := mapDeviceConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.device = device.New(dcfg, pub, log, a.bus)

	dopts, err := mapDispatchOptions(cfg)
	if err != nil {
		return nil, err
	}
	a.disp = dispatch.New(a.repo, a.device, log, a.bus, dopts)

	rcfg, err := mapReminderConfig(cfg)
	if err != nil {
		return nil, err
	}
	snd, err := newReminderSender(cfg, log)
	if err != nil {
		return nil, err
	}
	a.sender.set(snd)
	a.remind = reminder.New(rcfg, a.disp, a.sender, log, a.bus)

	icfg, err := mapIngressConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.ingCfg = icfg
	if cfg.Ingress.Enabled {
		a.ingress = ingress.New(icfg, a.disp, log, a.bus)
	}

	ocfg, err := mapObservabilityConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.metrics = observability.NewMetrics()
	a.ops = observability.NewServer(ocfg, a.metrics, a.health, log)
	built = true
	return a, nil
}

func (a *App) Config() *config.Config           { return a.cfgm.Get() }
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }
func (a *App) Device() *device.Service          { return a.device }
func (a *App) Reminders() *reminder.Service     { return a.remind }
func (a *App) Bus() eventbus.Bus                { return a.bus }
func (a *App) Logger() logx.Logger              { return a.log }

// OpsAddr is the bound ops HTTP address, empty when not serving.
func (a *App) OpsAddr() string { return a.ops.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the background loops: ingress, reminders, metrics, the
// ops server and config hot reload.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })

	// Reminders subscribe before the first dispatch can complete.
	a.sup.Go("reminder.events", a.remind.Run)
	if err := a.remind.Start(a.sup.Context()); err != nil {
		// An empty or unreachable store should not keep the service down;
		// the next dispatch or refresh rebuilds the slots.
		a.log.Warn("reminders started without dose slots", logx.Err(err))
	}

	a.startIngress()
	a.ops.Start(a.sup.Context())

	if a.log.Enabled(logx.LevelDebug) {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) startIngress() {
	a.ingMu.Lock()
	defer a.ingMu.Unlock()
	if a.ingress == nil || a.ingSup != nil {
		return
	}
	a.ingSup = supervisor.New(a.sup.Context(), supervisor.WithLogger(a.log))
	a.ingSup.GoRestart("ingress.watch", a.ingress.Run,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
	)
	a.log.Info("ingress started", logx.String("inbox", a.ingCfg.InboxDir))
}

func (a *App) stopIngress(ctx context.Context) error {
	a.ingMu.Lock()
	sup := a.ingSup
	a.ingSup = nil
	a.ingMu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	return sup.Wait(ctx)
}

func (a *App) ingressRunning() bool {
	a.ingMu.Lock()
	defer a.ingMu.Unlock()
	return a.ingSup != nil
}

// health feeds /healthz. A fatal supervisor error marks the process degraded.
func (a *App) health(ctx context.Context) (map[string]any, error) {
	out := map[string]any{
		"stage":          string(a.disp.Stage()),
		"today":          a.disp.Today().Format("2006-01-02"),
		"ingress":        a.ingressRunning(),
		"reminders":      a.remind.Enabled(),
		"reminder_slots": len(a.remind.Slots()),
	}
	if a.sup == nil {
		return out, nil
	}
	out["supervisor"] = a.sup.Snapshot()
	if err := a.sup.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// Stop shuts everything down in dependency order. It is safe on an app
// that was never started; resources are released either way.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		// Cancel first so background loops start unwinding immediately.
		a.sup.Cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := boundedContext(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	step("ingress", 3*time.Second, a.stopIngress)
	step("reminders", 2*time.Second, func(c context.Context) error { a.remind.Stop(c); return nil })
	step("ops_http", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}
	step("resources", 2*time.Second, func(context.Context) error { return a.closeResources() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// closeResources releases the publisher and the store, publisher first so
// no delivery races a closed store.
func (a *App) closeResources() error {
	var err error
	a.closeOnce.Do(func() {
		var errs []error
		if a.closePub != nil {
			if cerr := a.closePub(); cerr != nil {
				errs = append(errs, fmt.Errorf("device publisher: %w", cerr))
			}
		}
		if a.store != nil {
			if cerr := a.store.Close(); cerr != nil {
				errs = append(errs, fmt.Errorf("storage: %w", cerr))
			}
		}
		err = errors.Join(errs...)
	})
	return err
}

// boundedContext caps ctx at max without ever extending the caller's deadline.
func boundedContext(ctx context.Context, max time.Duration) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, max)
}
