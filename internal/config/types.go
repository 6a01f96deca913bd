package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Storage       StorageConfig       `json:"storage"`
	Device        DeviceConfig        `json:"device"`
	Schedule      ScheduleConfig      `json:"schedule"`
	Ingress       IngressConfig       `json:"ingress"`
	Reminders     RemindersConfig     `json:"reminders"`
	Telegram      TelegramConfig      `json:"telegram"`
	Observability ObservabilityConfig `json:"observability"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the prescription store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/pillpal.db" }
//
// Drivers: memory (default), file, sqlite, postgres. The file driver uses
// path as a prefix for its snapshot and journal.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres (do not log)
	Table       string `json:"table,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int32  `json:"max_conns,omitempty"`    // postgres
	MinConns    int32  `json:"min_conns,omitempty"`
	// OpTimeout bounds every store call. Default 5s.
	OpTimeout string `json:"op_timeout,omitempty"`
}

// DeviceConfig controls how alarm commands reach the dispenser.
//
// Defaults (when fields are omitted/zero):
//   - publisher: "log"
//   - topic: "medicine/dispenser/command"
//   - rate_per_sec: 2
//   - retry_max: 3
//   - retry_base: "500ms", retry_max_delay: "10s"
//   - attempt_timeout: "5s"
//   - history_size: 50
type DeviceConfig struct {
	Publisher      string `json:"publisher"`
	SpoolPath      string `json:"spool_path,omitempty"` // file publisher
	DSN            string `json:"dsn,omitempty"`        // pgnotify publisher (do not log)
	Topic          string `json:"topic,omitempty"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
	AttemptTimeout string `json:"attempt_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type ScheduleConfig struct {
	// Timezone decides which calendar day is "today". Empty means UTC.
	Timezone string `json:"timezone,omitempty"`
	// ConflictThresholdMinutes defaults to 30.
	ConflictThresholdMinutes int `json:"conflict_threshold_minutes,omitempty"`
}

type IngressConfig struct {
	Enabled         bool   `json:"enabled"`
	InboxDir        string `json:"inbox_dir"`
	ProcessedDir    string `json:"processed_dir,omitempty"`
	FailedDir       string `json:"failed_dir,omitempty"`
	Settle          string `json:"settle,omitempty"`
	Rescan          string `json:"rescan,omitempty"`
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`
}

type RemindersConfig struct {
	Enabled bool `json:"enabled"`
	// RefreshSpec is a cron expression for the daily device refresh.
	// Default "5 0 * * *".
	RefreshSpec    string `json:"refresh_spec,omitempty"`
	RefreshTimeout string `json:"refresh_timeout,omitempty"`
	// DoseReminders sends a message at every dose time of the day.
	DoseReminders bool   `json:"dose_reminders"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	// Sender is "telegram" or "log". Default "log".
	Sender string `json:"sender,omitempty"`
}

type TelegramConfig struct {
	Token     string  `json:"token"` // do not log
	APIURL    string  `json:"api_url,omitempty"`
	ChatIDs   []int64 `json:"chat_ids"`
	ThreadID  int     `json:"thread_id,omitempty"`
	ParseMode string  `json:"parse_mode,omitempty"`
	Timeout   string  `json:"timeout,omitempty"`
}

// ObservabilityConfig controls the ops HTTP server (/metrics, /healthz,
// pprof).
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
