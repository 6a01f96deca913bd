package schedule

import (
	"pillpal/internal/prescription"
)

// DefaultThresholdMinutes is the proximity under which two doses conflict.
const DefaultThresholdMinutes = 30

// Conflict is a pair of doses from different prescriptions scheduled
// closer together than the threshold.
type Conflict struct {
	Medication1           string `json:"medication1"`
	Medication2           string `json:"medication2"`
	Time1                 string `json:"time1"`
	Time2                 string `json:"time2"`
	TimeDifferenceMinutes int    `json:"time_difference_minutes"`
}

// FindConflicts compares every timing of every unordered pair of distinct
// prescriptions.
//
// Distance is the plain difference in minutes-of-day: 23:50 and 00:05 are
// 1425 minutes apart, not 15. Midnight wrap is intentionally not applied.
//
// Timings that are not valid HH:MM are skipped and reported in the second
// return value.
func FindConflicts(records []prescription.Record, thresholdMinutes int) ([]Conflict, []error) {
	if thresholdMinutes <= 0 {
		thresholdMinutes = DefaultThresholdMinutes
	}

	type slot struct {
		time    string
		minutes int
	}
	slots := make([][]slot, len(records))
	var warnings []error
	for i, rec := range records {
		for _, t := range rec.Timing {
			m, err := prescription.ParseClock(t.Time)
			if err != nil {
				warnings = append(warnings, &prescription.ParseError{RecordID: rec.ID, Field: "timing.time", Value: t.Time, Err: err})
				continue
			}
			slots[i] = append(slots[i], slot{time: t.Time, minutes: m})
		}
	}

	var out []Conflict
	for i := 0; i < len(records); i++ {
		for j := i + 1; j < len(records); j++ {
			if records[i].ID != "" && records[i].ID == records[j].ID {
				continue
			}
			for _, a := range slots[i] {
				for _, b := range slots[j] {
					diff := absInt(a.minutes - b.minutes)
					if diff >= thresholdMinutes {
						continue
					}
					out = append(out, Conflict{
						Medication1:           records[i].MedicationName,
						Medication2:           records[j].MedicationName,
						Time1:                 a.time,
						Time2:                 b.time,
						TimeDifferenceMinutes: diff,
					})
				}
			}
		}
	}
	return out, warnings
}

// FindConflictsInSchedule applies the same rule to a single day's dose list.
// Entries sharing a prescription id never conflict with each other.
func FindConflictsInSchedule(entries []Entry, thresholdMinutes int) []Conflict {
	if thresholdMinutes <= 0 {
		thresholdMinutes = DefaultThresholdMinutes
	}
	var out []Conflict
	for i := 0; i < len(entries); i++ {
		mi, err := prescription.ParseClock(entries[i].Time)
		if err != nil {
			continue
		}
		for j := i + 1; j < len(entries); j++ {
			if entries[i].PrescriptionID == entries[j].PrescriptionID {
				continue
			}
			mj, err := prescription.ParseClock(entries[j].Time)
			if err != nil {
				continue
			}
			if diff := absInt(mi - mj); diff < thresholdMinutes {
				out = append(out, Conflict{
					Medication1:           entries[i].MedicationName,
					Medication2:           entries[j].MedicationName,
					Time1:                 entries[i].Time,
					Time2:                 entries[j].Time,
					TimeDifferenceMinutes: diff,
				})
			}
		}
	}
	return out
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
