// Package schedule derives daily dose lists and timing conflicts from
// prescription records. Everything here is pure: inputs are never mutated
// and results are freshly allocated, so callers may share record snapshots
// across goroutines without locking.
package schedule

import (
	"sort"
	"time"

	"pillpal/internal/prescription"
)

// Defaults applied to incomplete timing entries.
const (
	DefaultTime   = "00:00"
	UnknownDosage = "Unknown"
)

// Entry is one dose due on the queried date.
type Entry struct {
	Time                string `json:"time"`
	MedicationName      string `json:"medication_name"`
	Dosage              string `json:"dosage"`
	WithFood            bool   `json:"with_food"`
	SpecialInstructions string `json:"special_instructions"`
	PrescriptionID      string `json:"prescription_id"`
}

// BuildDaily returns the doses due on date across records, sorted by time.
//
// The most recently created record wins when ids repeat. Records whose dates
// cannot be parsed are skipped; each skip is reported as a
// *prescription.ParseError in the second return value.
func BuildDaily(records []prescription.Record, date time.Time) ([]Entry, []error) {
	day := prescription.DateOf(date)

	ordered := make([]prescription.Record, len(records))
	copy(ordered, records)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.After(ordered[j].CreatedAt)
	})

	var (
		out      = make([]Entry, 0, len(ordered)*prescription.MaxFrequency)
		warnings []error
		included = make(map[string]struct{}, len(ordered))
	)
	for _, rec := range ordered {
		if _, dup := included[rec.ID]; dup {
			continue
		}
		start, err := prescription.ParseDate(rec.StartDate)
		if err != nil {
			warnings = append(warnings, &prescription.ParseError{RecordID: rec.ID, Field: "start_date", Value: rec.StartDate, Err: err})
			continue
		}
		end, err := prescription.ParseDate(rec.EndDate)
		if err != nil {
			warnings = append(warnings, &prescription.ParseError{RecordID: rec.ID, Field: "end_date", Value: rec.EndDate, Err: err})
			continue
		}
		if day.Before(start) || day.After(end) {
			continue
		}
		included[rec.ID] = struct{}{}
		out = append(out, entriesFor(rec)...)
	}

	// HH:MM sorts lexicographically in chronological order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out, warnings
}

func entriesFor(rec prescription.Record) []Entry {
	dosage := rec.Dosage
	if dosage == "" {
		dosage = UnknownDosage
	}
	out := make([]Entry, 0, len(rec.Timing))
	for _, t := range rec.Timing {
		at := t.Time
		if at == "" {
			at = DefaultTime
		}
		out = append(out, Entry{
			Time:                at,
			MedicationName:      rec.MedicationName,
			Dosage:              dosage,
			WithFood:            t.WithFood,
			SpecialInstructions: t.SpecialInstructions,
			PrescriptionID:      rec.ID,
		})
	}
	return out
}

// Today returns the calendar date of now in loc.
func Today(now time.Time, loc *time.Location) time.Time {
	if loc != nil {
		now = now.In(loc)
	}
	return prescription.DateOf(now)
}

// NextDose returns the chronologically first entry, if any.
func NextDose(entries []Entry) (Entry, bool) {
	if len(entries) == 0 {
		return Entry{}, false
	}
	return entries[0], true
}

// DistinctTimes returns the sorted unique dose times in entries.
func DistinctTimes(entries []Entry) []string {
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.Time]; ok {
			continue
		}
		seen[e.Time] = struct{}{}
		out = append(out, e.Time)
	}
	sort.Strings(out)
	return out
}
