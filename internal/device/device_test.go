package device

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pillpal/internal/eventbus"
	"pillpal/internal/prescription"
	"pillpal/internal/schedule"
	logx "pillpal/pkg/logx"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	return m.Called(ctx, topic, payload).Error(0)
}

func noSleep(context.Context, time.Duration) error { return nil }

func record() prescription.Record {
	return prescription.Record{
		ID:             "PRESC_1",
		MedicationName: "Paracetamol",
		Dosage:         "500mg",
		Frequency:      2,
		Timing: []prescription.MedicationTiming{
			{Time: "09:00", WithFood: true, SpecialInstructions: "Take with water"},
			{Time: "21:00"},
		},
		StartDate: "2024-12-11",
		EndDate:   "2024-12-16",
	}
}

func TestCommandWireFormat(t *testing.T) {
	t.Parallel()
	b, err := CommandForRecord(record()).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"action": "configure_alarms",
		"alarms": [
			{"medication_name":"Paracetamol","dosage":"500mg","time":"09:00","with_food":true,"special_instructions":"Take with water"},
			{"medication_name":"Paracetamol","dosage":"500mg","time":"21:00","with_food":false,"special_instructions":""}
		]
	}`, string(b))

	empty, err := CommandForSchedule(nil).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"configure_alarms","alarms":[]}`, string(empty))
}

func TestCommandForScheduleKeepsOrder(t *testing.T) {
	t.Parallel()
	cmd := CommandForSchedule([]schedule.Entry{
		{Time: "03:00", MedicationName: "A", Dosage: "1"},
		{Time: "09:00", MedicationName: "B", Dosage: "2", WithFood: true},
	})
	require.Len(t, cmd.Alarms, 2)
	assert.Equal(t, "03:00", cmd.Alarms[0].Time)
	assert.True(t, cmd.Alarms[1].WithFood)
}

func TestPublishRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, DefaultTopic, mock.Anything).Return(errors.New("broker busy")).Twice()
	pub.On("Publish", mock.Anything, DefaultTopic, mock.Anything).Return(nil).Once()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	svc := New(Config{RetryMax: 3, RatePerSec: 100}, pub, logx.Nop(), bus)
	svc.sleep = noSleep

	rcpt, err := svc.PublishRecord(context.Background(), record())
	require.NoError(t, err)
	assert.Equal(t, 3, rcpt.Attempts)
	assert.Equal(t, 2, rcpt.Alarms)
	pub.AssertNumberOfCalls(t, "Publish", 3)

	ev := <-events
	assert.Equal(t, eventbus.DevicePublished, ev.Type)
	require.Len(t, svc.History(), 1)
}

func TestPublishGivesUp(t *testing.T) {
	t.Parallel()
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, "custom/topic", mock.Anything).Return(errors.New("offline"))

	svc := New(Config{Topic: "custom/topic", RetryMax: 2, RatePerSec: 100}, pub, logx.Nop(), nil)
	svc.sleep = noSleep

	_, err := svc.PublishRecord(context.Background(), record())
	var ne *prescription.NotificationError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, 3, ne.Attempts)
	assert.Equal(t, "custom/topic", ne.Topic)
	assert.ErrorIs(t, err, prescription.ErrNotification)

	h := svc.History()
	require.Len(t, h, 1)
	assert.Equal(t, "offline", h[0].Error)
}

func TestPublishStopsOnPermanentError(t *testing.T) {
	t.Parallel()
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(Permanent(errors.New("payload too large")))

	svc := New(Config{RetryMax: 5, RatePerSec: 100}, pub, logx.Nop(), nil)
	svc.sleep = noSleep
	_, err := svc.PublishRecord(context.Background(), record())
	require.Error(t, err)
	pub.AssertNumberOfCalls(t, "Publish", 1)
}

func TestPublishAttemptTimeout(t *testing.T) {
	t.Parallel()
	pub := PublisherFunc(func(ctx context.Context, topic string, payload []byte) error {
		<-ctx.Done()
		return ctx.Err()
	})
	svc := New(Config{AttemptTimeout: 10 * time.Millisecond, RatePerSec: 100}, pub, logx.Nop(), nil)
	_, err := svc.PublishRecord(context.Background(), record())
	assert.ErrorIs(t, err, prescription.ErrNotification)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPublishWithoutPublisher(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, nil, logx.Nop(), nil)
	_, err := svc.PublishRecord(context.Background(), record())
	assert.ErrorIs(t, err, ErrNoPublisher)
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for i := 0; i < 50; i++ {
		d := retryDelay(cfg, 1)
		assert.GreaterOrEqual(t, d, 70*time.Millisecond)
		assert.LessOrEqual(t, d, 130*time.Millisecond)
		assert.LessOrEqual(t, retryDelay(cfg, 10), time.Second)
	}
}

func TestFilePublisherSpool(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "spool", "device.jsonl")
	p, err := NewFilePublisher(path)
	require.NoError(t, err)

	b, err := CommandForRecord(record()).Encode()
	require.NoError(t, err)
	require.NoError(t, p.Publish(context.Background(), DefaultTopic, b))
	require.NoError(t, p.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	sc := bufio.NewScanner(f)
	require.True(t, sc.Scan())
	var line spoolLine
	require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
	assert.Equal(t, DefaultTopic, line.Topic)
	assert.JSONEq(t, string(b), string(line.Payload))

	err = p.Publish(context.Background(), DefaultTopic, []byte("{"))
	assert.True(t, isPermanent(err))
}

func TestPGNotifyPublisher(t *testing.T) {
	t.Parallel()
	db, sm, err := sqlmock.New()
	require.NoError(t, err)
	p := NewPGNotifyPublisherDB(db)
	defer p.Close()

	sm.ExpectExec(`SELECT pg_notify`).WithArgs(DefaultTopic, `{"a":1}`).WillReturnResult(sqlmock.NewResult(0, 0))
	sm.ExpectExec(`SELECT pg_notify`).WillReturnError(&pq.Error{Code: "22023", Message: "payload string too long"})
	sm.ExpectExec(`SELECT pg_notify`).WillReturnError(errors.New("connection reset"))

	require.NoError(t, p.Publish(context.Background(), DefaultTopic, []byte(`{"a":1}`)))
	err = p.Publish(context.Background(), DefaultTopic, []byte(`{"a":1}`))
	assert.True(t, isPermanent(err))
	err = p.Publish(context.Background(), DefaultTopic, []byte(`{"a":1}`))
	require.Error(t, err)
	assert.False(t, isPermanent(err))
	assert.NoError(t, sm.ExpectationsWereMet())
}

func TestOpenPublisher(t *testing.T) {
	t.Parallel()
	p, closeFn, err := OpenPublisher(PublisherConfig{}, logx.Nop())
	require.NoError(t, err)
	assert.IsType(t, &LogPublisher{}, p)
	assert.NoError(t, closeFn())

	_, _, err = OpenPublisher(PublisherConfig{Driver: "mqtt"}, logx.Nop())
	assert.Error(t, err)
	_, _, err = OpenPublisher(PublisherConfig{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}
