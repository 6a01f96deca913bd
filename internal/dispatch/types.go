package dispatch

import (
	"context"
	"fmt"
	"time"

	"pillpal/internal/device"
	"pillpal/internal/prescription"
	"pillpal/internal/repository"
	"pillpal/internal/schedule"
)

// Stage is a step of the dispatch pipeline.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageValidating Stage = "validating"
	StageCleaning   Stage = "cleaning"
	StagePersisting Stage = "persisting"
	StageScheduling Stage = "scheduling"
	StageNotifying  Stage = "notifying"
	StageDone       Stage = "done"
)

// StatusSuccess is the Result status of a dispatch that persisted its record.
const StatusSuccess = "success"

// StageError reports the stage at which a dispatch stopped.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("dispatch failed at %s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Repository is the subset of *repository.Repository the dispatcher needs.
type Repository interface {
	Save(ctx context.Context, rec prescription.Record) (string, error)
	Get(ctx context.Context, id string) (prescription.Record, bool, error)
	List(ctx context.Context) ([]prescription.Record, error)
	Delete(ctx context.Context, id string) error
	CleanupAll(ctx context.Context) (repository.CleanupReport, error)
}

// Notifier delivers alarm tables to the device.
type Notifier interface {
	Publish(ctx context.Context, cmd device.Command) (device.Receipt, error)
	PublishRecord(ctx context.Context, rec prescription.Record) (device.Receipt, error)
}

// Result is the dispatch summary handed back to the caller.
type Result struct {
	Status         string              `json:"status"`
	PrescriptionID string              `json:"prescription_id"`
	UploadTime     string              `json:"upload_time"`
	Medication     string              `json:"medication"`
	NextDose       *schedule.Entry     `json:"next_dose"`
	Schedule       []schedule.Entry    `json:"schedule"`
	Conflicts      []schedule.Conflict `json:"conflicts"`
	Warnings       []string            `json:"warnings,omitempty"`

	// ScheduleWarning is set when today's schedule could not be computed.
	ScheduleWarning bool `json:"schedule_warning"`
	// NotifyWarning is set when the device was not configured. The record
	// is saved regardless.
	NotifyWarning bool `json:"notify_warning"`

	Cleanup repository.CleanupReport `json:"cleanup"`
	Device  *device.Receipt          `json:"device,omitempty"`
}

// DayView is a computed schedule for one date.
type DayView struct {
	Date      string              `json:"date"`
	Entries   []schedule.Entry    `json:"entries"`
	Conflicts []schedule.Conflict `json:"conflicts"`
	Warnings  []string            `json:"warnings,omitempty"`
}

// Event is the Data of dispatch.* bus events.
type Event struct {
	PrescriptionID string        `json:"prescription_id,omitempty"`
	Stage          Stage         `json:"stage"`
	Took           time.Duration `json:"took"`
	NotifyWarning  bool          `json:"notify_warning"`
	Error          string        `json:"error,omitempty"`
}
