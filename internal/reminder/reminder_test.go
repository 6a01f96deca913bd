package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pillpal/internal/dispatch"
	"pillpal/internal/eventbus"
	"pillpal/internal/schedule"
	logx "pillpal/pkg/logx"
)

type fakeSource struct {
	mu        sync.Mutex
	entries   []schedule.Entry
	refreshes int
	failPub   error
}

func (f *fakeSource) DailySchedule(ctx context.Context, date time.Time) (dispatch.DayView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return dispatch.DayView{Date: "2024-12-12", Entries: append([]schedule.Entry(nil), f.entries...)}, nil
}

func (f *fakeSource) RefreshDevice(ctx context.Context, date time.Time) (dispatch.DayView, error) {
	f.mu.Lock()
	f.refreshes++
	err := f.failPub
	f.mu.Unlock()
	v, _ := f.DailySchedule(ctx, date)
	return v, err
}

func (f *fakeSource) set(entries []schedule.Entry) {
	f.mu.Lock()
	f.entries = entries
	f.mu.Unlock()
}

type captureSender struct {
	mu    sync.Mutex
	texts []string
}

func (c *captureSender) SendReminder(ctx context.Context, text string) error {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

func todays() []schedule.Entry {
	return []schedule.Entry{
		{Time: "03:00", MedicationName: "Paracetamol", Dosage: "500mg", WithFood: true, PrescriptionID: "A"},
		{Time: "09:00", MedicationName: "Paracetamol", Dosage: "500mg", WithFood: true, PrescriptionID: "A"},
		{Time: "09:00", MedicationName: "Metformin", Dosage: "850mg", SpecialInstructions: "after breakfast", PrescriptionID: "B"},
	}
}

func startService(t *testing.T, src Source, snd Sender, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(Config{Enabled: true, DoseReminders: true, Timezone: "UTC"}, src, snd, logx.Nop(), bus)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func TestStartRegistersDoseSlots(t *testing.T) {
	t.Parallel()
	src := &fakeSource{entries: todays()}
	s := startService(t, src, &captureSender{}, nil)

	slots := s.Slots()
	require.Len(t, slots, 2)
	assert.Equal(t, "03:00", slots[0].Time)
	assert.Equal(t, 1, slots[0].Doses)
	assert.Equal(t, "09:00", slots[1].Time)
	assert.Equal(t, 2, slots[1].Doses)
	assert.False(t, slots[1].NextRun.IsZero())
	assert.Equal(t, 9, slots[1].NextRun.Hour())
}

func TestFireSendsGroupedReminder(t *testing.T) {
	t.Parallel()
	snd := &captureSender{}
	s := startService(t, &fakeSource{entries: todays()}, snd, nil)

	s.fire("09:00")
	s.fire("12:00")
	texts := snd.all()
	require.Len(t, texts, 1)
	assert.Equal(t, "Medication reminder 09:00\n- Paracetamol 500mg (with food)\n- Metformin 850mg: after breakfast", texts[0])
}

func TestRefreshRepublishesAndRebuilds(t *testing.T) {
	t.Parallel()
	src := &fakeSource{entries: todays()}
	s := startService(t, src, &captureSender{}, nil)

	src.set([]schedule.Entry{{Time: "21:00", MedicationName: "Aspirin", PrescriptionID: "C"}})
	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, 1, src.refreshes)
	slots := s.Slots()
	require.Len(t, slots, 1)
	assert.Equal(t, "21:00", slots[0].Time)

	src.failPub = errors.New("device offline")
	err := s.Refresh(context.Background())
	assert.Error(t, err)
	assert.Len(t, s.Slots(), 1, "schedule is rebuilt even when the device is unreachable")
}

func TestRunRebuildsOnDispatch(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	src := &fakeSource{}
	s := startService(t, src, &captureSender{}, bus)
	assert.Empty(t, s.Slots())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	src.set(todays())
	assert.Eventually(t, func() bool {
		eventbus.Publish(bus, eventbus.DispatchDone, dispatch.Event{})
		return len(s.Slots()) == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestDisabledServiceDoesNothing(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeSource{entries: todays()}, &captureSender{}, logx.Nop(), nil)
	require.NoError(t, s.Start(context.Background()))
	assert.Empty(t, s.Slots())
	s.Stop(context.Background())
}

func TestApplyTimezoneRestart(t *testing.T) {
	t.Parallel()
	s := startService(t, &fakeSource{entries: todays()}, &captureSender{}, nil)
	s.Apply(Config{Enabled: true, DoseReminders: true, Timezone: "Asia/Jakarta"})
	slots := s.Slots()
	require.Len(t, slots, 2)
	assert.Equal(t, "Asia/Jakarta", slots[0].NextRun.Location().String())

	s.Apply(Config{Enabled: true, DoseReminders: false, Timezone: "Asia/Jakarta"})
	assert.Empty(t, s.Slots())
}

func TestTimezoneDefaultsToUTC(t *testing.T) {
	t.Parallel()
	for _, tz := range []string{"", "Bogus/Zone"} {
		s := New(Config{Enabled: true, DoseReminders: true, Timezone: tz}, &fakeSource{entries: todays()}, &captureSender{}, logx.Nop(), nil)
		require.NoError(t, s.Start(context.Background()))
		slots := s.Slots()
		s.Stop(context.Background())
		require.Len(t, slots, 2, tz)
		assert.Equal(t, "UTC", slots[0].NextRun.Location().String(), tz)
	}
}

func TestDoseSpec(t *testing.T) {
	t.Parallel()
	spec, err := doseSpec("09:05")
	require.NoError(t, err)
	assert.Equal(t, "5 9 * * *", spec)
	require.NoError(t, ValidateSpec(spec))

	_, err = doseSpec("25:00")
	assert.Error(t, err)
	assert.Error(t, ValidateSpec("every day"))
}
