package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks values that would otherwise fail later at startup or
// during a hot reload. It reports every problem at once.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory", "mem", "file", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Storage.MinConns > c.Storage.MaxConns && c.Storage.MaxConns > 0 {
		errs = append(errs, errors.New("storage.min_conns exceeds max_conns"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Device.Publisher)) {
	case "", "log", "none", "file", "pgnotify":
	default:
		errs = append(errs, fmt.Errorf("device.publisher: unknown publisher %q", c.Device.Publisher))
	}
	if c.Device.RatePerSec < 0 || c.Device.RetryMax < 0 || c.Device.HistorySize < 0 {
		errs = append(errs, errors.New("device: rate_per_sec, retry_max and history_size must be >= 0"))
	}

	if tz := strings.TrimSpace(c.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
		}
	}
	if c.Schedule.ConflictThresholdMinutes < 0 {
		errs = append(errs, errors.New("schedule.conflict_threshold_minutes must be >= 0"))
	}

	if c.Ingress.Enabled && strings.TrimSpace(c.Ingress.InboxDir) == "" {
		errs = append(errs, errors.New("ingress.inbox_dir is required when ingress is enabled"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Reminders.Sender)) {
	case "", "log":
	case "telegram":
		if c.Reminders.Enabled && c.Reminders.DoseReminders {
			if strings.TrimSpace(c.Telegram.Token) == "" {
				errs = append(errs, errors.New("telegram.token is required for telegram reminders"))
			}
			if len(c.Telegram.ChatIDs) == 0 {
				errs = append(errs, errors.New("telegram.chat_ids is required for telegram reminders"))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("reminders.sender: unknown sender %q", c.Reminders.Sender))
	}

	for path, raw := range map[string]string{
		"storage.busy_timeout":        c.Storage.BusyTimeout,
		"storage.op_timeout":          c.Storage.OpTimeout,
		"device.retry_base":           c.Device.RetryBase,
		"device.retry_max_delay":      c.Device.RetryMaxDelay,
		"device.attempt_timeout":      c.Device.AttemptTimeout,
		"ingress.settle":              c.Ingress.Settle,
		"ingress.rescan":              c.Ingress.Rescan,
		"ingress.dispatch_timeout":    c.Ingress.DispatchTimeout,
		"reminders.refresh_timeout":   c.Reminders.RefreshTimeout,
		"reminders.send_timeout":      c.Reminders.SendTimeout,
		"telegram.timeout":            c.Telegram.Timeout,
		"observability.read_timeout":  c.Observability.ReadTimeout,
		"observability.write_timeout": c.Observability.WriteTimeout,
		"observability.idle_timeout":  c.Observability.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
