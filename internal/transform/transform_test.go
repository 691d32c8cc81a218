package transform

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meddexhq/deidentify/internal/config"
	"github.com/meddexhq/deidentify/internal/consistency"
	"github.com/meddexhq/deidentify/internal/detect"
	"github.com/meddexhq/deidentify/internal/record"
	"github.com/meddexhq/deidentify/internal/safeharbor"
)

func testSetup(t *testing.T, cfg *config.Deidentification) (*detect.Detector, *Engine) {
	t.Helper()
	reg, err := safeharbor.NewRegistry()
	require.NoError(t, err)
	return detect.NewDetector(reg, 0), NewEngine(cfg)
}

func fixedState(days int, salt string) StateFunc {
	return func() (consistency.State, error) {
		return consistency.State{PatientKey: "pk", DateShiftDays: days, HashSalt: []byte(salt)}, nil
	}
}

func apply(t *testing.T, det *detect.Detector, eng *Engine, rec map[string]any, state StateFunc) *Result {
	t.Helper()
	findings, err := det.Detect(rec)
	require.NoError(t, err)
	res, err := eng.Apply(rec, findings, state)
	require.NoError(t, err)
	return res
}

func TestApplyReplacesAndHashes(t *testing.T) {
	cfg := config.Default().Deidentification
	det, eng := testSetup(t, &cfg)

	rec := map[string]any{
		"patient_id": "P1",
		"name":       "Jane Doe",
		"ssn":        "123-45-6789",
		"mrn":        "MRN-0012345",
		"phone":      "617-555-0123",
	}
	res := apply(t, det, eng, rec, fixedState(10, "salt-a"))

	out := res.Record
	assert.Equal(t, "[NAME]", out["name"])
	assert.Equal(t, "[SSN]", out["ssn"])
	assert.Equal(t, "[PHONE]", out["phone"])
	assert.Regexp(t, `^\[HASH:mrn:[0-9a-f]{16}\]$`, out["mrn"])
	assert.Regexp(t, `^\[HASH:other_unique_code:[0-9a-f]{16}\]$`, out["patient_id"])

	// the input record is untouched
	assert.Equal(t, "Jane Doe", rec["name"])
	assert.Equal(t, "123-45-6789", rec["ssn"])
}

func TestHashIsDeterministicPerPatient(t *testing.T) {
	cfg := config.Default().Deidentification
	det, eng := testSetup(t, &cfg)

	rec := func() map[string]any {
		return map[string]any{"mrn": "MRN-0012345"}
	}
	a := apply(t, det, eng, rec(), fixedState(5, "salt-a"))
	b := apply(t, det, eng, rec(), fixedState(9, "salt-a"))
	c := apply(t, det, eng, rec(), fixedState(5, "salt-b"))

	assert.Equal(t, a.Record["mrn"], b.Record["mrn"], "same patient, same token")
	assert.NotEqual(t, a.Record["mrn"], c.Record["mrn"], "different patient, different token")
}

func TestDateShiftPreservesLayout(t *testing.T) {
	cfg := config.Default().Deidentification
	det, eng := testSetup(t, &cfg)

	rec := map[string]any{
		"dob":        "1950-01-01",
		"visit_date": "3/15/2024",
		"created_at": "2024-03-15T10:30:00Z",
	}
	res := apply(t, det, eng, rec, fixedState(10, "s"))
	out := res.Record

	assert.Equal(t, "1950-01-11", out["dob"])
	assert.Equal(t, "3/25/2024", out["visit_date"])
	assert.Equal(t, "2024-03-25T10:30:00Z", out["created_at"])

	meta, ok := out[record.MetadataKey].(map[string]any)
	require.True(t, ok)
	assert.ElementsMatch(t, []any{"dob", "visit_date", "created_at"}, meta["shifted"])
}

func TestDateShiftNegativeAndNativeTime(t *testing.T) {
	cfg := config.Default().Deidentification
	det, eng := testSetup(t, &cfg)

	ts := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	rec := map[string]any{"dob": "2000-03-10", "admission_date": ts}
	res := apply(t, det, eng, rec, fixedState(-14, "s"))

	assert.Equal(t, "2000-02-25", res.Record["dob"])
	assert.Equal(t, ts.AddDate(0, 0, -14), res.Record["admission_date"])
}

func TestDateShiftFailsClosedOnUnparseable(t *testing.T) {
	cfg := config.Default().Deidentification
	det, eng := testSetup(t, &cfg)

	rec := map[string]any{"discharge_date": "next tuesday"}
	res := apply(t, det, eng, rec, fixedState(10, "s"))

	assert.Equal(t, "[DATE]", res.Record["discharge_date"])
}

func TestRemoveDatesWithoutShifting(t *testing.T) {
	cfg := config.Default().Deidentification
	cfg.ShiftDates = false
	det, eng := testSetup(t, &cfg)

	rec := map[string]any{"dob": "1950-01-01"}
	res := apply(t, det, eng, rec, func() (consistency.State, error) {
		return consistency.State{}, errors.New("state must not be needed")
	})
	assert.Equal(t, "[DATE]", res.Record["dob"])
}

func TestAgeGeneralizationBoundary(t *testing.T) {
	cfg := config.Default().Deidentification
	det, eng := testSetup(t, &cfg)

	res := apply(t, det, eng, map[string]any{"age": 89}, fixedState(1, "s"))
	assert.Equal(t, 89, res.Record["age"], "age at the threshold is untouched")

	res = apply(t, det, eng, map[string]any{"age": 90}, fixedState(1, "s"))
	assert.Equal(t, "90+", res.Record["age"])

	res = apply(t, det, eng, map[string]any{"age": "102"}, fixedState(1, "s"))
	assert.Equal(t, "90+", res.Record["age"])

	res = apply(t, det, eng, map[string]any{"age": "ninety"}, fixedState(1, "s"))
	assert.Equal(t, "[DATE]", res.Record["age"], "non-numeric age fails closed")
}

func TestZipTruncation(t *testing.T) {
	cfg := config.Default().Deidentification
	det, eng := testSetup(t, &cfg)

	res := apply(t, det, eng, map[string]any{"zip": "02139-4301"}, fixedState(1, "s"))
	assert.Equal(t, "021", res.Record["zip"])

	res = apply(t, det, eng, map[string]any{"zip": "021"}, fixedState(1, "s"))
	assert.Equal(t, "021", res.Record["zip"], "already truncated stays put")
}

func TestDisabledCategoryIsSkippedNotTransformed(t *testing.T) {
	cfg := config.Default().Deidentification
	cfg.RemoveContactInfo = false
	det, eng := testSetup(t, &cfg)

	rec := map[string]any{"phone": "617-555-0123", "ssn": "123-45-6789"}
	res := apply(t, det, eng, rec, fixedState(1, "s"))

	assert.Equal(t, "617-555-0123", res.Record["phone"], "disabled category left raw")
	assert.Equal(t, "[SSN]", res.Record["ssn"])
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, safeharbor.CategoryPhone, res.Skipped[0].Category)
}

func TestSecondPassIsIdempotentWithoutState(t *testing.T) {
	cfg := config.Default().Deidentification
	det, eng := testSetup(t, &cfg)

	rec := map[string]any{
		"patient_id": "P1",
		"name":       "Jane Doe",
		"dob":        "1950-01-01",
		"ssn":        "123-45-6789",
		"zip":        "02139",
		"age":        95,
	}
	first := apply(t, det, eng, rec, fixedState(25, "salt"))

	// the second pass must resolve everything without patient state
	second := apply(t, det, eng, first.Record, func() (consistency.State, error) {
		return consistency.State{}, errors.New("no state on second pass")
	})
	assert.Equal(t, first.Record, second.Record)
	assert.Empty(t, second.Skipped)
}

func TestClampShift(t *testing.T) {
	cfg := config.Default().Deidentification
	cfg.MaxDateShiftDays = 30
	eng := NewEngine(&cfg)

	assert.Equal(t, 30, eng.clampShift(365))
	assert.Equal(t, -30, eng.clampShift(-365))
	assert.Equal(t, 12, eng.clampShift(12))

	cfg.PreserveDayOfWeek = true
	assert.Equal(t, 28, eng.clampShift(30))
	assert.Equal(t, -28, eng.clampShift(-30))
	assert.Equal(t, 7, eng.clampShift(3))
}

func TestPreserveDayOfWeek(t *testing.T) {
	cfg := config.Default().Deidentification
	cfg.PreserveDayOfWeek = true
	det, eng := testSetup(t, &cfg)

	orig := time.Date(1950, 1, 1, 0, 0, 0, 0, time.UTC) // a Sunday
	rec := map[string]any{"dob": "1950-01-01"}
	res := apply(t, det, eng, rec, fixedState(33, "s"))

	shiftedStr, ok := res.Record["dob"].(string)
	require.True(t, ok)
	shifted, err := time.Parse("2006-01-02", shiftedStr)
	require.NoError(t, err)
	assert.Equal(t, orig.Weekday(), shifted.Weekday())
	assert.NotEqual(t, orig, shifted)
}

func TestMarkers(t *testing.T) {
	assert.True(t, IsMarker("[NAME]"))
	assert.True(t, IsMarker("[HEALTH-PLAN-ID]"))
	assert.True(t, IsMarker("[HASH:ssn:0123456789abcdef]"))
	assert.True(t, IsMarker("90+"))
	assert.False(t, IsMarker("Jane Doe"))
	assert.False(t, IsMarker("[not a marker"))
	assert.False(t, IsMarker("1950-01-01"))

	for _, c := range safeharbor.AllCategories() {
		assert.True(t, IsMarker(Placeholder(c)), "placeholder for %s", c)
	}
}

func TestStateErrorPropagates(t *testing.T) {
	cfg := config.Default().Deidentification
	det, eng := testSetup(t, &cfg)

	findings, err := det.Detect(map[string]any{"mrn": "MRN-0012345"})
	require.NoError(t, err)

	wantErr := errors.New("store down")
	_, err = eng.Apply(map[string]any{"mrn": "MRN-0012345"}, findings, func() (consistency.State, error) {
		return consistency.State{}, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}
