package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// coerceToJSONBytes converts YAML to JSON so both formats go through the
// same strict decoder. It returns the bytes and "json" or "yaml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	if !isYAML(path) {
		return data, "json", nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}
	if v == nil {
		// An empty document is an empty config.
		return []byte("{}"), "yaml", nil
	}
	j, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

// Encode renders cfg in the format implied by path's extension, using the
// json key names for YAML too.
func Encode(path string, cfg *Config) ([]byte, error) {
	j, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, err
	}
	if !isYAML(path) {
		return append(j, '\n'), nil
	}
	var v yaml.Node
	if err := yaml.Unmarshal(j, &v); err != nil {
		return nil, err
	}
	// JSON parsed as YAML keeps flow style and quotes; render plain block style.
	setBlockStyle(&v)
	return yaml.Marshal(&v)
}

func setBlockStyle(n *yaml.Node) {
	n.Style &^= yaml.FlowStyle | yaml.DoubleQuotedStyle
	for _, c := range n.Content {
		setBlockStyle(c)
	}
}

// Example is a working starting point for a config file.
func Example() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "sqlite", Path: "./data/pillpal.db", OpTimeout: "5s"},
		Device: DeviceConfig{
			Publisher:      "file",
			SpoolPath:      "./data/device.jsonl",
			Topic:          "medicine/dispenser/command",
			RatePerSec:     2,
			RetryMax:       3,
			RetryBase:      "500ms",
			RetryMaxDelay:  "10s",
			AttemptTimeout: "5s",
			HistorySize:    50,
		},
		Schedule:  ScheduleConfig{Timezone: "UTC", ConflictThresholdMinutes: 30},
		Ingress:   IngressConfig{Enabled: true, InboxDir: "./data/inbox", Settle: "500ms", Rescan: "1m"},
		Reminders: RemindersConfig{Enabled: true, RefreshSpec: "5 0 * * *", DoseReminders: true, Sender: "log"},
		Telegram:  TelegramConfig{ChatIDs: []int64{}},
		Observability: ObservabilityConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9464",
		},
	}
}
