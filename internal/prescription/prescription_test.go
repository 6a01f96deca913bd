package prescription

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paracetamol() Details {
	return Details{
		MedicationName: "Paracetamol",
		Dosage:         "500mg",
		Frequency:      4,
		Timing: []MedicationTiming{
			{Time: "09:00", WithFood: true},
			{Time: "15:00", WithFood: true},
			{Time: "21:00", WithFood: true},
			{Time: "03:00", WithFood: true},
		},
		StartDate: "2024-12-11",
		EndDate:   "2024-12-16",
	}
}

func TestDetailsValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(d *Details)
		wantErr string
	}{
		{name: "valid", mutate: func(d *Details) {}},
		{name: "timing mismatch", mutate: func(d *Details) { d.Frequency = 3 }, wantErr: "timing has 4 entries, frequency is 3"},
		{name: "frequency too high", mutate: func(d *Details) {
			d.Frequency = 5
			d.Timing = append(d.Timing, MedicationTiming{Time: "12:00"})
		}, wantErr: "frequency must be in [1,4]"},
		{name: "end before start", mutate: func(d *Details) { d.EndDate = "2024-12-01" }, wantErr: "is before start_date"},
		{name: "bad clock", mutate: func(d *Details) { d.Timing[0].Time = "24:00" }, wantErr: "timing[0]"},
		{name: "missing name", mutate: func(d *Details) { d.MedicationName = " " }, wantErr: "medication_name is required"},
		{name: "negative refills", mutate: func(d *Details) { d.Refills = -1 }, wantErr: "refills must be >= 0"},
		{name: "timestamp dates accepted", mutate: func(d *Details) {
			d.StartDate = "2024-12-11T08:30:00"
			d.EndDate = "2024-12-16T00:00:00Z"
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := paracetamol()
			tt.mutate(&d)
			err := d.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseDate(t *testing.T) {
	t.Parallel()
	want := time.Date(2024, 12, 11, 0, 0, 0, 0, time.UTC)
	for _, raw := range []string{
		"2024-12-11",
		"2024-12-11T00:00:00",
		"2024-12-11T17:45:10.123456",
		"2024-12-11T23:59:59+07:00",
		"2024-12-11 08:00:00",
	} {
		got, err := ParseDate(raw)
		require.NoError(t, err, raw)
		assert.True(t, got.Equal(want), "%s -> %s", raw, got)
	}

	_, err := ParseDate("11/12/2024")
	assert.Error(t, err)
	_, err = ParseDate("")
	assert.Error(t, err)
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	m, err := ParseClock("23:15")
	require.NoError(t, err)
	assert.Equal(t, 23*60+15, m)

	for _, bad := range []string{"24:00", "29:00", "9:00", "09:60", "0900", ""} {
		_, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestDecodeDetailsDefaults(t *testing.T) {
	t.Parallel()
	raw := `{
		"medication_name": "Amoxicillin",
		"dosage": "250mg",
		"frequency": 2,
		"timing": [{"time": "08:00"}, {"time": "20:00", "with_food": false, "special_instructions": "with water"}],
		"start_date": "2024-12-11",
		"end_date": "2024-12-18"
	}`
	d, err := DecodeDetails(strings.NewReader(raw))
	require.NoError(t, err)
	assert.True(t, d.Timing[0].WithFood, "with_food defaults to true at ingress")
	assert.False(t, d.Timing[1].WithFood)
	assert.Equal(t, "with water", d.Timing[1].SpecialInstructions)
	assert.Equal(t, 0, d.Refills)
}

func TestDecodeDetailsRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := DecodeDetails(strings.NewReader(`{"medication_name":"x","bogus":1}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNewRecordNormalizesDates(t *testing.T) {
	t.Parallel()
	d := paracetamol()
	d.StartDate = "2024-12-11T09:00:00"
	r := NewRecord(d)
	assert.Equal(t, "2024-12-11", r.StartDate)
	assert.Equal(t, "2024-12-16", r.EndDate)

	// The copy must not alias the input slice.
	r.Timing[0].Time = "10:00"
	assert.Equal(t, "09:00", d.Timing[0].Time)
}

func TestErrorKinds(t *testing.T) {
	t.Parallel()
	cause := errors.New("boom")
	assert.ErrorIs(t, &StorageError{Op: "put", Err: cause}, ErrStorage)
	assert.ErrorIs(t, &StorageError{Op: "put", Err: cause}, cause)
	assert.ErrorIs(t, &NotificationError{Topic: "t", Attempts: 3, Err: cause}, ErrNotification)
	assert.ErrorIs(t, &ParseError{Field: "start_date", Err: cause}, ErrParse)
}
