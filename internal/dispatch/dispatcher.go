// Package dispatch runs the save-then-notify pipeline for new prescriptions
// and answers schedule queries over the stored set.
//
// A dispatch moves through
//
//	idle -> validating -> cleaning -> persisting -> scheduling -> notifying -> done
//
// Only validating and persisting are fatal. Cleaning is best-effort, a
// failed schedule yields an empty one with a warning, and a failed device
// publish leaves the record saved with NotifyWarning set.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"pillpal/internal/device"
	"pillpal/internal/eventbus"
	"pillpal/internal/prescription"
	"pillpal/internal/repository"
	"pillpal/internal/schedule"
	logx "pillpal/pkg/logx"
)

type Options struct {
	// Location decides which calendar day is "today". Nil means UTC.
	Location *time.Location
	// ConflictThreshold in minutes. Zero means schedule.DefaultThresholdMinutes.
	ConflictThreshold int
	Now               func() time.Time
}

type Dispatcher struct {
	repo     Repository
	notifier Notifier
	log      logx.Logger
	bus      eventbus.Bus

	// mu serializes whole pipelines so the device always receives the
	// alarms of the latest save.
	mu sync.Mutex

	omu  sync.RWMutex
	opts Options

	smu   sync.RWMutex
	stage Stage
}

func New(repo Repository, notifier Notifier, log logx.Logger, bus eventbus.Bus, opts Options) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		repo:     repo,
		notifier: notifier,
		log:      log.With(logx.String("comp", "dispatch")),
		bus:      bus,
		stage:    StageIdle,
	}
	d.Apply(opts)
	return d
}

// Apply swaps options; in-flight dispatches keep the old ones.
func (d *Dispatcher) Apply(opts Options) {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.ConflictThreshold <= 0 {
		opts.ConflictThreshold = schedule.DefaultThresholdMinutes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	d.omu.Lock()
	d.opts = opts
	d.omu.Unlock()
}

func (d *Dispatcher) options() Options {
	d.omu.RLock()
	defer d.omu.RUnlock()
	return d.opts
}

// Stage reports the stage of the dispatch in progress, or idle.
func (d *Dispatcher) Stage() Stage {
	d.smu.RLock()
	defer d.smu.RUnlock()
	return d.stage
}

func (d *Dispatcher) enter(s Stage) {
	d.smu.Lock()
	d.stage = s
	d.smu.Unlock()
}

// Today is the current calendar date in the configured location.
func (d *Dispatcher) Today() time.Time {
	o := d.options()
	return schedule.Today(o.Now(), o.Location)
}

// OnNewPrescription stores details as the only active prescription,
// computes today's schedule and configures the device.
//
// Dispatching the same details twice leaves exactly one record.
func (d *Dispatcher) OnNewPrescription(ctx context.Context, details prescription.Details) (Result, error) {
	opts := d.options()
	start := time.Now()

	if err := details.Validate(); err != nil {
		return Result{}, d.fail(StageValidating, "", start, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.enter(StageIdle)

	var res Result

	// Cleaning: only one prescription is active at a time.
	d.enter(StageCleaning)
	rep, err := d.repo.CleanupAll(ctx)
	res.Cleanup = rep
	if err != nil {
		d.log.Warn("cleanup failed; continuing", logx.Err(err))
		res.Warnings = append(res.Warnings, "cleanup: "+err.Error())
	} else if rep.Failed > 0 {
		res.Warnings = append(res.Warnings, "cleanup: some previous records could not be deleted")
	}

	// Persisting.
	d.enter(StagePersisting)
	rec := prescription.NewRecord(details)
	rec.CreatedAt = opts.Now().UTC()
	id, err := d.repo.Save(ctx, rec)
	if err != nil {
		return Result{}, d.fail(StagePersisting, "", start, err)
	}
	rec.ID = id
	res.Status = StatusSuccess
	res.PrescriptionID = id
	res.UploadTime = rec.CreatedAt.Format(time.RFC3339)
	res.Medication = rec.MedicationName

	// Scheduling.
	d.enter(StageScheduling)
	view, err := d.buildDay(ctx, schedule.Today(opts.Now(), opts.Location), opts.ConflictThreshold)
	if err != nil {
		d.log.Warn("schedule unavailable", logx.String("id", id), logx.Err(err))
		res.ScheduleWarning = true
		res.Warnings = append(res.Warnings, "schedule: "+err.Error())
		res.Schedule = []schedule.Entry{}
		res.Conflicts = []schedule.Conflict{}
	} else {
		res.Schedule = view.Entries
		res.Conflicts = view.Conflicts
		res.Warnings = append(res.Warnings, view.Warnings...)
		if next, ok := schedule.NextDose(view.Entries); ok {
			res.NextDose = &next
		}
	}
	for _, c := range res.Conflicts {
		d.log.Warn("timing conflict",
			logx.String("medication1", c.Medication1), logx.String("time1", c.Time1),
			logx.String("medication2", c.Medication2), logx.String("time2", c.Time2),
			logx.Int("minutes", c.TimeDifferenceMinutes))
	}

	// Notifying: configure the device from what the store actually holds.
	d.enter(StageNotifying)
	payloadRec := rec
	if stored, ok, err := d.repo.Get(ctx, id); err != nil {
		d.log.Warn("re-read after save failed; using saved value", logx.String("id", id), logx.Err(err))
	} else if ok {
		payloadRec = stored
	}
	if d.notifier == nil {
		res.NotifyWarning = true
		res.Warnings = append(res.Warnings, "device: no notifier configured")
	} else if rcpt, err := d.notifier.PublishRecord(ctx, payloadRec); err != nil {
		res.NotifyWarning = true
		res.Warnings = append(res.Warnings, "device: "+err.Error())
	} else {
		res.Device = &rcpt
	}

	d.enter(StageDone)
	eventbus.Publish(d.bus, eventbus.DispatchDone, Event{PrescriptionID: id, Stage: StageDone, Took: time.Since(start), NotifyWarning: res.NotifyWarning})
	d.log.Info("prescription dispatched",
		logx.String("id", id),
		logx.String("medication", res.Medication),
		logx.Int("doses_today", len(res.Schedule)),
		logx.Int("conflicts", len(res.Conflicts)),
		logx.Bool("notify_warning", res.NotifyWarning),
		logx.Duration("took", time.Since(start)))
	return res, nil
}

func (d *Dispatcher) fail(stage Stage, id string, start time.Time, err error) error {
	se := &StageError{Stage: stage, Err: err}
	eventbus.Publish(d.bus, eventbus.DispatchFailed, Event{PrescriptionID: id, Stage: stage, Took: time.Since(start), Error: err.Error()})
	d.log.Error("dispatch failed", logx.String("stage", string(stage)), logx.Err(err))
	return se
}

// buildDay lists the store once and derives entries and conflicts from that
// snapshot.
func (d *Dispatcher) buildDay(ctx context.Context, date time.Time, threshold int) (DayView, error) {
	recs, err := d.repo.List(ctx)
	if err != nil {
		return DayView{}, err
	}
	entries, warns := schedule.BuildDaily(recs, date)
	conflicts, cwarns := schedule.FindConflicts(recs, threshold)
	if conflicts == nil {
		conflicts = []schedule.Conflict{}
	}

	view := DayView{Date: prescription.FormatDate(date), Entries: entries, Conflicts: conflicts}
	for _, w := range append(warns, cwarns...) {
		d.log.Warn("record skipped", logx.Err(w))
		view.Warnings = append(view.Warnings, w.Error())
	}
	if len(warns)+len(cwarns) > 0 {
		eventbus.Publish(d.bus, eventbus.ScheduleWarning, len(warns)+len(cwarns))
	}
	return view, nil
}

// DailySchedule computes the doses due on date. A zero date means today.
func (d *Dispatcher) DailySchedule(ctx context.Context, date time.Time) (DayView, error) {
	opts := d.options()
	if date.IsZero() {
		date = schedule.Today(opts.Now(), opts.Location)
	}
	return d.buildDay(ctx, prescription.DateOf(date), opts.ConflictThreshold)
}

// Conflicts checks every stored prescription pair. threshold <= 0 uses the
// configured default.
func (d *Dispatcher) Conflicts(ctx context.Context, threshold int) ([]schedule.Conflict, error) {
	if threshold <= 0 {
		threshold = d.options().ConflictThreshold
	}
	recs, err := d.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out, warns := schedule.FindConflicts(recs, threshold)
	for _, w := range warns {
		d.log.Warn("timing skipped", logx.Err(w))
	}
	if out == nil {
		out = []schedule.Conflict{}
	}
	return out, nil
}

// GetPrescription returns prescription.ErrNotFound for an unknown id.
func (d *Dispatcher) GetPrescription(ctx context.Context, id string) (prescription.Record, error) {
	rec, ok, err := d.repo.Get(ctx, id)
	if err != nil {
		return prescription.Record{}, err
	}
	if !ok {
		return prescription.Record{}, prescription.ErrNotFound
	}
	return rec, nil
}

// DeletePrescription removes id. Deleting an unknown id is a no-op, and a
// stored value that no longer decodes is still removed.
func (d *Dispatcher) DeletePrescription(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.repo.Delete(ctx, id)
}

// CleanupAll removes every stored prescription.
func (d *Dispatcher) CleanupAll(ctx context.Context) (repository.CleanupReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.repo.CleanupAll(ctx)
}

// RefreshDevice republishes the full alarm table for date (zero means
// today). It returns the schedule that was sent.
func (d *Dispatcher) RefreshDevice(ctx context.Context, date time.Time) (DayView, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	view, err := d.DailySchedule(ctx, date)
	if err != nil {
		return DayView{}, err
	}
	if d.notifier == nil {
		return view, errors.New("no notifier configured")
	}
	if _, err := d.notifier.Publish(ctx, device.CommandForSchedule(view.Entries)); err != nil {
		return view, err
	}
	eventbus.Publish(d.bus, eventbus.ScheduleRebuilt, view.Date)
	return view, nil
}
