package prescription

import "time"

// Frequency bounds (doses per day).
const (
	MinFrequency = 1
	MaxFrequency = 4
)

// IDPrefix is prepended to generated record ids.
const IDPrefix = "PRESC_"

// MedicationTiming is one dose slot within a day.
// Time is local wall-clock "HH:MM" (24h) with no zone.
type MedicationTiming struct {
	Time                string `json:"time"`
	WithFood            bool   `json:"with_food"`
	SpecialInstructions string `json:"special_instructions,omitempty"`
}

// Details is the validated extraction output handed to the dispatcher.
//
// Dates are calendar dates. Plain YYYY-MM-DD is canonical; full timestamps
// are accepted and truncated to the date.
type Details struct {
	MedicationName string             `json:"medication_name"`
	Dosage         string             `json:"dosage"`
	Frequency      int                `json:"frequency"`
	Timing         []MedicationTiming `json:"timing"`
	StartDate      string             `json:"start_date"`
	EndDate        string             `json:"end_date"`
	Refills        int                `json:"refills"`
}

// Record is a persisted prescription. Records are immutable once saved;
// re-issuing a prescription creates a new record.
type Record struct {
	ID             string             `json:"id"`
	CreatedAt      time.Time          `json:"created_at"`
	MedicationName string             `json:"medication_name"`
	Dosage         string             `json:"dosage"`
	Frequency      int                `json:"frequency"`
	Timing         []MedicationTiming `json:"timing"`
	StartDate      string             `json:"start_date"`
	EndDate        string             `json:"end_date"`
	Refills        int                `json:"refills"`
}

// NewRecord copies d into a fresh, not-yet-saved record.
// Dates are normalized to YYYY-MM-DD when they parse.
func NewRecord(d Details) Record {
	r := Record{
		MedicationName: d.MedicationName,
		Dosage:         d.Dosage,
		Frequency:      d.Frequency,
		Timing:         append([]MedicationTiming(nil), d.Timing...),
		StartDate:      d.StartDate,
		EndDate:        d.EndDate,
		Refills:        d.Refills,
	}
	if t, err := ParseDate(d.StartDate); err == nil {
		r.StartDate = FormatDate(t)
	}
	if t, err := ParseDate(d.EndDate); err == nil {
		r.EndDate = FormatDate(t)
	}
	return r
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	r.Timing = append([]MedicationTiming(nil), r.Timing...)
	return r
}

// Details strips the identity fields.
func (r Record) Details() Details {
	return Details{
		MedicationName: r.MedicationName,
		Dosage:         r.Dosage,
		Frequency:      r.Frequency,
		Timing:         append([]MedicationTiming(nil), r.Timing...),
		StartDate:      r.StartDate,
		EndDate:        r.EndDate,
		Refills:        r.Refills,
	}
}
