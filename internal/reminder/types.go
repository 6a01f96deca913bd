package reminder

import (
	"context"
	"time"

	"pillpal/internal/dispatch"
	logx "pillpal/pkg/logx"
)

const DefaultRefreshSpec = "5 0 * * *"

// Config controls the reminder service.
type Config struct {
	Enabled        bool
	Timezone       string // IANA TZ, e.g. "Asia/Jakarta"; empty means UTC
	RefreshSpec    string
	RefreshTimeout time.Duration
	DoseReminders  bool
	SendTimeout    time.Duration
}

// Source is the schedule view the service reads from. *dispatch.Dispatcher
// implements it.
type Source interface {
	DailySchedule(ctx context.Context, date time.Time) (dispatch.DayView, error)
	RefreshDevice(ctx context.Context, date time.Time) (dispatch.DayView, error)
}

// Sender delivers a reminder text to the caregiver.
type Sender interface {
	SendReminder(ctx context.Context, text string) error
}

// LogSender writes reminders to the log.
type LogSender struct {
	Log logx.Logger
}

func (s LogSender) SendReminder(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Log.Info("dose reminder", logx.String("text", text))
	return nil
}

// DoseSlot is a registered dose-time entry.
type DoseSlot struct {
	Time    string    `json:"time"`
	Doses   int       `json:"doses"`
	NextRun time.Time `json:"next_run"`
}
