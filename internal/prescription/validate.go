package prescription

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Validate checks the structural invariants of d and returns a
// *ValidationError describing every violation, or nil.
func (d Details) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if strings.TrimSpace(d.MedicationName) == "" {
		add("medication_name is required")
	}
	if strings.TrimSpace(d.Dosage) == "" {
		add("dosage is required")
	}
	if d.Frequency < MinFrequency || d.Frequency > MaxFrequency {
		add("frequency must be in [%d,%d], got %d", MinFrequency, MaxFrequency, d.Frequency)
	}
	if len(d.Timing) != d.Frequency {
		add("timing has %d entries, frequency is %d", len(d.Timing), d.Frequency)
	}
	for i, t := range d.Timing {
		if _, err := ParseClock(t.Time); err != nil {
			add("timing[%d]: %v", i, err)
		}
	}
	if d.Refills < 0 {
		add("refills must be >= 0, got %d", d.Refills)
	}

	start, serr := ParseDate(d.StartDate)
	if serr != nil {
		add("start_date %q: %v", d.StartDate, serr)
	}
	end, eerr := ParseDate(d.EndDate)
	if eerr != nil {
		add("end_date %q: %v", d.EndDate, eerr)
	}
	if serr == nil && eerr == nil && end.Before(start) {
		add("end_date %s is before start_date %s", FormatDate(end), FormatDate(start))
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Validate checks a stored record the same way as its ingress shape.
func (r Record) Validate() error { return r.Details().Validate() }

type wireTiming struct {
	Time                string  `json:"time"`
	WithFood            *bool   `json:"with_food"`
	SpecialInstructions *string `json:"special_instructions"`
}

type wireDetails struct {
	MedicationName string       `json:"medication_name"`
	Dosage         string       `json:"dosage"`
	Frequency      int          `json:"frequency"`
	Timing         []wireTiming `json:"timing"`
	StartDate      string       `json:"start_date"`
	EndDate        string       `json:"end_date"`
	Refills        *int         `json:"refills"`
}

// DecodeDetails strictly decodes one extraction payload and validates it.
//
// Ingress defaults: with_food is true when omitted and refills is 0.
func DecodeDetails(r io.Reader) (Details, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return Details{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var w wireDetails
	if err := dec.Decode(&w); err != nil {
		return Details{}, &ValidationError{Problems: []string{"decode: " + err.Error()}}
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Details{}, &ValidationError{Problems: []string{"decode: trailing data"}}
	}

	d := Details{
		MedicationName: strings.TrimSpace(w.MedicationName),
		Dosage:         strings.TrimSpace(w.Dosage),
		Frequency:      w.Frequency,
		StartDate:      strings.TrimSpace(w.StartDate),
		EndDate:        strings.TrimSpace(w.EndDate),
	}
	if w.Refills != nil {
		d.Refills = *w.Refills
	}
	for _, t := range w.Timing {
		mt := MedicationTiming{Time: strings.TrimSpace(t.Time), WithFood: true}
		if t.WithFood != nil {
			mt.WithFood = *t.WithFood
		}
		if t.SpecialInstructions != nil {
			mt.SpecialInstructions = *t.SpecialInstructions
		}
		d.Timing = append(d.Timing, mt)
	}
	if err := d.Validate(); err != nil {
		return Details{}, err
	}
	return d, nil
}
