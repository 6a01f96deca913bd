package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pillpal/internal/config"
	"pillpal/internal/device"
	"pillpal/internal/dispatch"
	"pillpal/internal/ingress"
	"pillpal/internal/observability"
	"pillpal/internal/reminder"
	"pillpal/internal/transport/telegram"
	logx "pillpal/pkg/logx"
)

// The map* helpers convert the on-disk config into component configs.
// They never start anything, so the validator can run all of them.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapPublisherConfig(cfg *config.Config) device.PublisherConfig {
	return device.PublisherConfig{
		Driver:    strings.TrimSpace(cfg.Device.Publisher),
		SpoolPath: strings.TrimSpace(cfg.Device.SpoolPath),
		DSN:       strings.TrimSpace(cfg.Device.DSN),
	}
}

func mapDeviceConfig(cfg *config.Config) (device.Config, error) {
	out := device.Config{
		Topic:       "medicine/dispenser/command",
		RatePerSec:  2,
		RetryMax:    3,
		HistorySize: 50,
	}
	dc := cfg.Device
	if t := strings.TrimSpace(dc.Topic); t != "" {
		out.Topic = t
	}
	if dc.RatePerSec != 0 {
		out.RatePerSec = dc.RatePerSec
	}
	if dc.RetryMax != 0 {
		out.RetryMax = dc.RetryMax
	}
	if dc.HistorySize != 0 {
		out.HistorySize = dc.HistorySize
	}
	if out.RatePerSec < 0 || out.RetryMax < 0 || out.HistorySize < 0 {
		return out, errors.New("device: rate_per_sec, retry_max and history_size must be >= 0")
	}

	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("device.retry_base", dc.RetryBase, 500*time.Millisecond); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("device.retry_max_delay", dc.RetryMaxDelay, 10*time.Second); err != nil {
		return out, err
	}
	if out.AttemptTimeout, err = config.ParseDurationOrDefault("device.attempt_timeout", dc.AttemptTimeout, 5*time.Second); err != nil {
		return out, err
	}
	if out.RetryMaxDelay < out.RetryBase {
		return out, fmt.Errorf("device.retry_max_delay (%s) is below retry_base (%s)", out.RetryMaxDelay, out.RetryBase)
	}
	return out, nil
}

func loadLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Schedule.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("schedule.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func mapDispatchOptions(cfg *config.Config) (dispatch.Options, error) {
	loc, err := loadLocation(cfg)
	if err != nil {
		return dispatch.Options{}, err
	}
	return dispatch.Options{Location: loc, ConflictThreshold: cfg.Schedule.ConflictThresholdMinutes}, nil
}

func mapReminderConfig(cfg *config.Config) (reminder.Config, error) {
	rc := cfg.Reminders
	out := reminder.Config{
		Enabled:       rc.Enabled,
		Timezone:      strings.TrimSpace(cfg.Schedule.Timezone),
		RefreshSpec:   strings.TrimSpace(rc.RefreshSpec),
		DoseReminders: rc.DoseReminders,
	}
	if out.Timezone == "" {
		// Reminders follow the dispatcher's notion of "today".
		out.Timezone = "UTC"
	}
	if out.RefreshSpec == "" {
		out.RefreshSpec = reminder.DefaultRefreshSpec
	}
	if err := reminder.ValidateSpec(out.RefreshSpec); err != nil {
		return out, fmt.Errorf("reminders.refresh_spec: invalid %q: %w", out.RefreshSpec, err)
	}

	var err error
	if out.RefreshTimeout, err = config.ParseDurationOrDefault("reminders.refresh_timeout", rc.RefreshTimeout, time.Minute); err != nil {
		return out, err
	}
	if out.SendTimeout, err = config.ParseDurationOrDefault("reminders.send_timeout", rc.SendTimeout, 15*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	tc := cfg.Telegram
	timeout, err := config.ParseDurationOrDefault("telegram.timeout", tc.Timeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:     strings.TrimSpace(tc.Token),
		APIURL:    strings.TrimSpace(tc.APIURL),
		ChatIDs:   append([]int64(nil), tc.ChatIDs...),
		ThreadID:  tc.ThreadID,
		ParseMode: strings.TrimSpace(tc.ParseMode),
		Timeout:   timeout,
	}, nil
}

// newReminderSender returns the configured caregiver channel.
func newReminderSender(cfg *config.Config, log logx.Logger) (reminder.Sender, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Reminders.Sender)) {
	case "", "log":
		return reminder.LogSender{Log: log.With(logx.String("comp", "reminder_sender"))}, nil
	case "telegram":
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		snd, err := telegram.New(tc, log)
		if err != nil {
			return nil, err
		}
		return snd, nil
	default:
		return nil, fmt.Errorf("unknown reminders.sender: %s", cfg.Reminders.Sender)
	}
}

func mapIngressConfig(cfg *config.Config) (ingress.Config, error) {
	ic := cfg.Ingress
	out := ingress.Config{
		InboxDir:     strings.TrimSpace(ic.InboxDir),
		ProcessedDir: strings.TrimSpace(ic.ProcessedDir),
		FailedDir:    strings.TrimSpace(ic.FailedDir),
	}
	if ic.Enabled && out.InboxDir == "" {
		return out, errors.New("ingress.inbox_dir is required when ingress is enabled")
	}
	var err error
	if out.Settle, err = config.ParseDurationField("ingress.settle", ic.Settle); err != nil {
		return out, err
	}
	if out.Rescan, err = config.ParseDurationField("ingress.rescan", ic.Rescan); err != nil {
		return out, err
	}
	if out.DispatchTimeout, err = config.ParseDurationField("ingress.dispatch_timeout", ic.DispatchTimeout); err != nil {
		return out, err
	}
	return out, nil
}

func mapObservabilityConfig(cfg *config.Config) (observability.Config, error) {
	oc := cfg.Observability
	out := observability.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		PprofPrefix:   strings.TrimSpace(oc.PprofPrefix),
		EnablePprof:   oc.Pprof,
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("observability.read_timeout", oc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// zero disables the write timeout so pprof profiles can stream
	if out.WriteTimeout, err = config.ParseDurationField("observability.write_timeout", oc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("observability.idle_timeout", oc.IdleTimeout, 2*time.Minute); err != nil {
		return out, err
	}
	if out.Enabled {
		if err := out.CheckBind(); err != nil {
			return out, fmt.Errorf("observability: %w", err)
		}
	}
	return out, nil
}

// validate runs every mapper so a bad hot reload is rejected before commit.
func validate(_ context.Context, cfg *config.Config) error {
	var errs []error
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapRepositoryOptions(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapDeviceConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapDispatchOptions(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapReminderConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapIngressConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapObservabilityConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
