package config

import (
	"encoding/json"
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "pillpal/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Secrets (tokens, DSNs) are reported only as *_set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	if ost != nst {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nst.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nst.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nst.DSN) != ""),
			logx.String("storage.op_timeout", strings.TrimSpace(nst.OpTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Device, newCfg.Device) {
		nd := newCfg.Device
		changed = append(changed, "device")
		attrs = append(attrs,
			logx.String("device.publisher", strings.TrimSpace(nd.Publisher)),
			logx.String("device.topic", strings.TrimSpace(nd.Topic)),
			logx.Int("device.rate_per_sec", nd.RatePerSec),
			logx.Int("device.retry_max", nd.RetryMax),
			logx.Bool("device.dsn_set", strings.TrimSpace(nd.DSN) != ""),
		)
	}

	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.timezone", strings.TrimSpace(newCfg.Schedule.Timezone)),
			logx.Int("schedule.conflict_threshold_minutes", newCfg.Schedule.ConflictThresholdMinutes),
		)
	}

	if oldCfg.Ingress != newCfg.Ingress {
		changed = append(changed, "ingress")
		attrs = append(attrs,
			logx.Bool("ingress.enabled", newCfg.Ingress.Enabled),
			logx.String("ingress.inbox_dir", strings.TrimSpace(newCfg.Ingress.InboxDir)),
		)
	}

	if oldCfg.Reminders != newCfg.Reminders {
		nr := newCfg.Reminders
		changed = append(changed, "reminders")
		attrs = append(attrs,
			logx.Bool("reminders.enabled", nr.Enabled),
			logx.String("reminders.refresh_spec", strings.TrimSpace(nr.RefreshSpec)),
			logx.Bool("reminders.dose_reminders", nr.DoseReminders),
			logx.String("reminders.sender", strings.TrimSpace(nr.Sender)),
		)
	}

	// Telegram (never log token)
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.APIURL != nt.APIURL || !reflect.DeepEqual(ot.ChatIDs, nt.ChatIDs) ||
		ot.ThreadID != nt.ThreadID || ot.ParseMode != nt.ParseMode || ot.Timeout != nt.Timeout {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Int("telegram.chat_count", len(nt.ChatIDs)),
			logx.Int("telegram.thread_id", nt.ThreadID),
		)
	}

	// Observability (never log token)
	if oldCfg.Observability != newCfg.Observability {
		no := newCfg.Observability
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", no.Enabled),
			logx.String("observability.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("observability.pprof", no.Pprof),
			logx.Bool("observability.token_set", strings.TrimSpace(no.Token) != ""),
			logx.Bool("observability.allow_insecure", no.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
