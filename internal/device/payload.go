package device

import (
	"encoding/json"

	"pillpal/internal/prescription"
	"pillpal/internal/schedule"
)

const (
	ActionConfigureAlarms = "configure_alarms"
	DefaultTopic          = "medicine/dispenser/command"
)

type Alarm struct {
	MedicationName      string `json:"medication_name"`
	Dosage              string `json:"dosage"`
	Time                string `json:"time"`
	WithFood            bool   `json:"with_food"`
	SpecialInstructions string `json:"special_instructions"`
}

type Command struct {
	Action string  `json:"action"`
	Alarms []Alarm `json:"alarms"`
}

// CommandForRecord builds the alarm table for a single prescription, one
// alarm per timing, in the record's own timing order.
func CommandForRecord(rec prescription.Record) Command {
	dosage := rec.Dosage
	if dosage == "" {
		dosage = schedule.UnknownDosage
	}
	alarms := make([]Alarm, 0, len(rec.Timing))
	for _, t := range rec.Timing {
		at := t.Time
		if at == "" {
			at = schedule.DefaultTime
		}
		alarms = append(alarms, Alarm{
			MedicationName:      rec.MedicationName,
			Dosage:              dosage,
			Time:                at,
			WithFood:            t.WithFood,
			SpecialInstructions: t.SpecialInstructions,
		})
	}
	return Command{Action: ActionConfigureAlarms, Alarms: alarms}
}

// CommandForSchedule builds the alarm table for a whole day.
func CommandForSchedule(entries []schedule.Entry) Command {
	alarms := make([]Alarm, 0, len(entries))
	for _, e := range entries {
		alarms = append(alarms, Alarm{
			MedicationName:      e.MedicationName,
			Dosage:              e.Dosage,
			Time:                e.Time,
			WithFood:            e.WithFood,
			SpecialInstructions: e.SpecialInstructions,
		})
	}
	return Command{Action: ActionConfigureAlarms, Alarms: alarms}
}

func (c Command) Encode() ([]byte, error) {
	if c.Alarms == nil {
		c.Alarms = []Alarm{}
	}
	return json.Marshal(c)
}
