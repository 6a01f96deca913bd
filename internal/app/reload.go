package app

import (
	"context"
	"reflect"
	"slices"
	"strings"
	"time"

	"pillpal/internal/config"
	"pillpal/internal/ingress"
	logx "pillpal/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes a validated config into the running components.
// Storage and publisher changes need a restart; everything else is live.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(name string) bool { return slices.Contains(sections, name) }

	if changed("logging") {
		lcfg := mapLogConfig(next)
		lcfg.Writer = a.logOut
		a.logs.Apply(lcfg)
	}

	if changed("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	if changed("device") {
		if mapPublisherConfig(prev) != mapPublisherConfig(next) {
			a.log.Warn("device publisher changed; restart required for changes to take effect")
		}
		if dcfg, err := mapDeviceConfig(next); err != nil {
			a.log.Warn("invalid device config; keeping previous", logx.Err(err))
		} else {
			a.device.Apply(dcfg)
		}
	}

	if changed("schedule") {
		if dopts, err := mapDispatchOptions(next); err != nil {
			a.log.Warn("invalid schedule config; keeping previous", logx.Err(err))
		} else {
			a.disp.Apply(dopts)
		}
	}

	if changed("reminders") || changed("telegram") || changed("schedule") {
		a.applyReminders(ctx, prev, next)
	}

	if changed("ingress") {
		a.applyIngress(ctx, next)
	}

	if changed("observability") {
		if ocfg, err := mapObservabilityConfig(next); err != nil {
			a.log.Warn("invalid observability config; keeping previous", logx.Err(err))
		} else {
			a.ops.Reconfigure(ctx, ocfg)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyReminders(ctx context.Context, prev, next *config.Config) {
	if prev.Reminders.Sender != next.Reminders.Sender || !reflect.DeepEqual(prev.Telegram, next.Telegram) {
		snd, err := newReminderSender(next, a.base)
		if err != nil {
			a.log.Warn("invalid reminder sender; keeping previous", logx.Err(err))
		} else {
			a.sender.set(snd)
		}
	}

	rcfg, err := mapReminderConfig(next)
	if err != nil {
		a.log.Warn("invalid reminders config; keeping previous", logx.Err(err))
		return
	}
	wasEnabled := a.remind.Enabled()
	a.remind.Apply(rcfg)
	switch {
	case wasEnabled && !rcfg.Enabled:
		a.log.Info("reminders disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.remind.Stop(stopCtx)
		cancel()
	case !wasEnabled && rcfg.Enabled:
		a.log.Info("reminders enabled via config")
		if err := a.remind.Start(ctx); err != nil {
			a.log.Warn("reminders started without dose slots", logx.Err(err))
		}
	}
}

// applyIngress swaps timings live and restarts the watcher when it is
// toggled or its directories move.
func (a *App) applyIngress(ctx context.Context, next *config.Config) {
	icfg, err := mapIngressConfig(next)
	if err != nil {
		a.log.Warn("invalid ingress config; keeping previous", logx.Err(err))
		return
	}

	a.ingMu.Lock()
	cur := a.ingress
	prevCfg := a.ingCfg
	a.ingCfg = icfg
	a.ingMu.Unlock()

	sameDirs := prevCfg.InboxDir == icfg.InboxDir &&
		prevCfg.ProcessedDir == icfg.ProcessedDir &&
		prevCfg.FailedDir == icfg.FailedDir

	if next.Ingress.Enabled && cur != nil && sameDirs {
		cur.Apply(icfg)
		return
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := a.stopIngress(stopCtx); err != nil {
		a.log.Warn("ingress stop incomplete", logx.Err(err))
	}
	cancel()

	a.ingMu.Lock()
	if next.Ingress.Enabled {
		a.ingress = ingress.New(icfg, a.disp, a.base, a.bus)
	} else {
		a.ingress = nil
	}
	a.ingMu.Unlock()

	if next.Ingress.Enabled {
		a.startIngress()
	} else {
		a.log.Info("ingress disabled via config")
	}
}
