package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadJSONAndYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	jp := writeFile(t, dir, "pillpal.json", `{
  "storage": {"driver": "sqlite", "path": "x.db"},
  "schedule": {"timezone": "Asia/Jakarta", "conflict_threshold_minutes": 45},
  "telegram": {"token": "t", "chat_ids": [1, 2]}
}`)
	cfg, err := NewConfigManager(jp).Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 45, cfg.Schedule.ConflictThresholdMinutes)
	assert.Equal(t, []int64{1, 2}, cfg.Telegram.ChatIDs)

	yp := writeFile(t, dir, "pillpal.yaml", `
storage:
  driver: file
  path: ./store
reminders:
  enabled: true
  refresh_spec: "5 0 * * *"
  dose_reminders: true
`)
	m := NewConfigManager(yp)
	cfg, err = m.Load()
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.True(t, cfg.Reminders.DoseReminders)
	assert.Same(t, cfg, m.Get())
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, err := NewConfigManager(writeFile(t, dir, "a.json", `{"storage": {"drvier": "file"}}`)).Parse()
	assert.Error(t, err)

	_, err = NewConfigManager(writeFile(t, dir, "b.yaml", "plugins:\n  echo: {}\n")).Parse()
	assert.Error(t, err)

	_, err = NewConfigManager(writeFile(t, dir, "c.json", `{} {}`)).Parse()
	assert.Error(t, err)

	cfg, err := NewConfigManager(writeFile(t, dir, "empty.yaml", "")).Parse()
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, (&Config{}).Validate())
	require.NoError(t, Example().Validate())

	tests := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{"storage driver", func(c *Config) { c.Storage.Driver = "redis" }, "storage.driver"},
		{"postgres dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"publisher", func(c *Config) { c.Device.Publisher = "mqtt" }, "device.publisher"},
		{"timezone", func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }, "schedule.timezone"},
		{"inbox", func(c *Config) { c.Ingress = IngressConfig{Enabled: true} }, "ingress.inbox_dir"},
		{"telegram token", func(c *Config) {
			c.Reminders = RemindersConfig{Enabled: true, DoseReminders: true, Sender: "telegram"}
		}, "telegram.token"},
		{"duration", func(c *Config) { c.Device.RetryBase = "soon" }, "device.retry_base"},
		{"negative duration", func(c *Config) { c.Ingress.Settle = "-1s" }, "ingress.settle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := Example()
			tt.mut(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadRunsValidator(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "c.json", `{}`)
	m := NewConfigManager(p)
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return errors.New("nope") })
	_, err := m.Load()
	assert.ErrorContains(t, err, "nope")
	assert.Nil(t, m.Get())
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "c.json", `{"schedule": {"timezone": "UTC"}}`)
	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	published, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, published)

	require.NoError(t, os.WriteFile(p, []byte(`{"schedule": {"timezone": "Bogus/Zone"}}`), 0o644))
	published, err = m.Reload(context.Background())
	assert.Error(t, err)
	assert.False(t, published)
	assert.Equal(t, "UTC", m.Get().Schedule.Timezone, "rejected config is not committed")

	require.NoError(t, os.WriteFile(p, []byte(`{"schedule": {"timezone": "Asia/Jakarta"}}`), 0o644))
	published, err = m.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, published)
	got := <-ch
	assert.Equal(t, "Asia/Jakarta", got.Schedule.Timezone)
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-ch)

	m.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "c.yaml", "schedule:\n  conflict_threshold_minutes: 30\n")
	m := NewConfigManager(p)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	var got *Config
	require.Eventually(t, func() bool {
		_ = os.WriteFile(p, []byte("schedule:\n  conflict_threshold_minutes: 10\n"), 0o644)
		select {
		case got = <-ch:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 10, got.Schedule.ConflictThresholdMinutes)

	cancel()
	assert.NoError(t, <-done)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old := Example()
	changed, _ := SummarizeConfigChange(old, Example())
	assert.Empty(t, changed)

	next := Example()
	next.Telegram.Token = "secret"
	next.Observability.Addr = "127.0.0.1:9999"
	next.Schedule.Timezone = "Asia/Jakarta"
	changed, attrs := SummarizeConfigChange(old, next)
	assert.Equal(t, []string{"observability", "schedule", "telegram"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeConfigChange(nil, old)
	assert.Contains(t, changed, "storage")
}

func TestEncodeRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for _, name := range []string{"example.yaml", "example.json"} {
		b, err := Encode(name, Example())
		require.NoError(t, err)
		p := writeFile(t, dir, name, string(b))
		cfg, err := NewConfigManager(p).Load()
		require.NoError(t, err, name)
		assert.Equal(t, Example(), cfg, name)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)
	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
	_, err = ParseDurationOrDefault("x", "abc", time.Second)
	assert.Error(t, err)
}
