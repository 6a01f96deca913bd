package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pillpal/internal/config"
	"pillpal/internal/dispatch"
	"pillpal/internal/prescription"
	"pillpal/internal/repository"
)

const ibuprofen = `{
  "medication_name": "Ibuprofen",
  "dosage": "200mg",
  "frequency": 3,
  "timing": [{"time": "08:00"}, {"time": "14:00"}, {"time": "20:00"}],
  "start_date": "2025-03-01",
  "end_date": "2025-03-10"
}`

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeTestConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Logging:  config.LoggingConfig{Level: "error"},
		Storage:  config.StorageConfig{Driver: "sqlite", Path: filepath.Join(dir, "pillpal.db")},
		Device:   config.DeviceConfig{Publisher: "file", SpoolPath: filepath.Join(dir, "device.jsonl")},
		Schedule: config.ScheduleConfig{Timezone: "UTC", ConflictThresholdMinutes: 30},
	}
	p := filepath.Join(dir, "pillpal.json")
	b, err := config.Encode(p, cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p, b, 0o644))
	return p, dir
}

func TestConfigExample(t *testing.T) {
	t.Parallel()
	out, err := run(t, "", "config", "example", "--format", "json")
	require.NoError(t, err)
	var cfg config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, *config.Example(), cfg)

	out, err = run(t, "", "config", "example")
	require.NoError(t, err)
	assert.Contains(t, out, "refresh_spec:")
}

func TestConfigCheck(t *testing.T) {
	t.Parallel()
	p, dir := writeTestConfig(t)
	out, err := run(t, "", "config", "check", "-c", p)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"schedule": {"timezone": "Nowhere/Land"}}`), 0o644))
	_, err = run(t, "", "config", "check", "-c", bad)
	assert.Error(t, err)
}

func TestPrescriptionCommands(t *testing.T) {
	t.Parallel()
	p, dir := writeTestConfig(t)
	file := filepath.Join(dir, "ibu.json")
	require.NoError(t, os.WriteFile(file, []byte(ibuprofen), 0o644))

	out, err := run(t, "", "dispatch", "-c", p, file)
	require.NoError(t, err)
	var res dispatch.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, dispatch.StatusSuccess, res.Status)
	require.True(t, strings.HasPrefix(res.PrescriptionID, prescription.IDPrefix))

	out, err = run(t, "", "get", "-c", p, res.PrescriptionID)
	require.NoError(t, err)
	var rec prescription.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "Ibuprofen", rec.MedicationName)

	out, err = run(t, "", "schedule", "-c", p, "--date", "2025-03-05")
	require.NoError(t, err)
	var view dispatch.DayView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "2025-03-05", view.Date)
	assert.Len(t, view.Entries, 3)

	out, err = run(t, "", "conflicts", "-c", p, "--threshold", "400")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out, "a single prescription never conflicts with itself")

	_, err = run(t, "", "schedule", "-c", p, "--date", "05/03/2025")
	assert.Error(t, err)

	_, err = run(t, "", "delete", "-c", p, res.PrescriptionID)
	require.NoError(t, err)
	_, err = run(t, "", "get", "-c", p, res.PrescriptionID)
	assert.ErrorIs(t, err, prescription.ErrNotFound)
	_, err = run(t, "", "delete", "-c", p, res.PrescriptionID)
	require.NoError(t, err, "deleting again is a no-op")

	out, err = run(t, ibuprofen, "dispatch", "-c", p, "-")
	require.NoError(t, err)
	assert.Contains(t, out, "Ibuprofen")

	out, err = run(t, "", "cleanup", "-c", p)
	require.NoError(t, err)
	var rep repository.CleanupReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, 1, rep.Deleted)
}

func TestDispatchRejectsInvalidFile(t *testing.T) {
	t.Parallel()
	p, dir := writeTestConfig(t)
	file := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"medication_name": "X", "frequency": 9}`), 0o644))
	_, err := run(t, "", "dispatch", "-c", p, file)
	assert.Error(t, err)
}
