package repository

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"pillpal/internal/prescription"
)

// storedRecord is the tolerant read shape. Some backends hand numbers back
// as arbitrary-precision decimals (4 -> "4", 4.0, "4.0") and timestamps in
// several encodings; both are normalized here.
type storedRecord struct {
	ID             string          `json:"id"`
	CreatedAt      json.RawMessage `json:"created_at"`
	MedicationName string          `json:"medication_name"`
	Dosage         json.RawMessage `json:"dosage"`
	Frequency      json.RawMessage `json:"frequency"`
	Timing         []storedTiming  `json:"timing"`
	StartDate      string          `json:"start_date"`
	EndDate        string          `json:"end_date"`
	Refills        json.RawMessage `json:"refills"`
}

type storedTiming struct {
	Time                string          `json:"time"`
	WithFood            json.RawMessage `json:"with_food"`
	SpecialInstructions *string         `json:"special_instructions"`
}

func decodeRecord(key string, b []byte) (prescription.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var s storedRecord
	if err := dec.Decode(&s); err != nil {
		return prescription.Record{}, err
	}

	rec := prescription.Record{
		ID:             s.ID,
		MedicationName: s.MedicationName,
		StartDate:      s.StartDate,
		EndDate:        s.EndDate,
	}
	if rec.ID == "" {
		rec.ID = key
	}

	var err error
	if rec.Dosage, err = normalizeString(s.Dosage); err != nil {
		return prescription.Record{}, fmt.Errorf("dosage: %w", err)
	}
	if rec.Frequency, err = normalizeInt(s.Frequency); err != nil {
		return prescription.Record{}, fmt.Errorf("frequency: %w", err)
	}
	if rec.Refills, err = normalizeInt(s.Refills); err != nil {
		return prescription.Record{}, fmt.Errorf("refills: %w", err)
	}
	if rec.CreatedAt, err = normalizeTime(s.CreatedAt); err != nil {
		return prescription.Record{}, fmt.Errorf("created_at: %w", err)
	}

	rec.Timing = make([]prescription.MedicationTiming, 0, len(s.Timing))
	for i, t := range s.Timing {
		wf, err := normalizeBool(t.WithFood)
		if err != nil {
			return prescription.Record{}, fmt.Errorf("timing[%d].with_food: %w", i, err)
		}
		mt := prescription.MedicationTiming{Time: t.Time, WithFood: wf}
		if t.SpecialInstructions != nil {
			mt.SpecialInstructions = *t.SpecialInstructions
		}
		rec.Timing = append(rec.Timing, mt)
	}
	return rec, nil
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// normalizeInt accepts a JSON number or a decimal string with an integral
// value.
func normalizeInt(raw json.RawMessage) (int, error) {
	if isNull(raw) {
		return 0, nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return 0, err
	}
	var s string
	switch x := v.(type) {
	case json.Number:
		s = x.String()
	case string:
		s = strings.TrimSpace(x)
	default:
		return 0, fmt.Errorf("unexpected %T", v)
	}
	// Counts are small; anything outside int32 is corrupt rather than large.
	if n, err := strconv.ParseInt(s, 10, 32); err == nil {
		return int(n), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-integral value %s", s)
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, fmt.Errorf("value %s out of range", s)
	}
	return int(f), nil
}

func normalizeString(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	default:
		return "", fmt.Errorf("unexpected %T", v)
	}
}

func normalizeBool(raw json.RawMessage) (bool, error) {
	if isNull(raw) {
		return false, nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return false, err
	}
	switch x := v.(type) {
	case bool:
		return x, nil
	case json.Number:
		return x.String() != "0", nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(x))
	default:
		return false, fmt.Errorf("unexpected %T", v)
	}
}

var createdAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	prescription.DateLayout,
}

// normalizeTime accepts an RFC 3339 string, a naive ISO timestamp (read as
// UTC) or unix seconds.
func normalizeTime(raw json.RawMessage) (time.Time, error) {
	if isNull(raw) {
		return time.Time{}, nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return time.Time{}, err
	}
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return time.Time{}, err
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	case string:
		x = strings.TrimSpace(x)
		if x == "" {
			return time.Time{}, nil
		}
		for _, layout := range createdAtLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", x)
	default:
		return time.Time{}, fmt.Errorf("unexpected %T", v)
	}
}
