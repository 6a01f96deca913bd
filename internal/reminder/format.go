package reminder

import (
	"strings"

	"pillpal/internal/schedule"
)

// FormatReminder renders the doses due at one time as a short message.
func FormatReminder(at string, entries []schedule.Entry) string {
	var b strings.Builder
	b.WriteString("Medication reminder ")
	b.WriteString(at)
	for _, e := range entries {
		b.WriteString("\n- ")
		b.WriteString(e.MedicationName)
		if e.Dosage != "" {
			b.WriteString(" ")
			b.WriteString(e.Dosage)
		}
		if e.WithFood {
			b.WriteString(" (with food)")
		}
		if s := strings.TrimSpace(e.SpecialInstructions); s != "" {
			b.WriteString(": ")
			b.WriteString(s)
		}
	}
	return b.String()
}
