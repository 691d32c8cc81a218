package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meddexhq/deidentify/internal/config"
	"github.com/meddexhq/deidentify/internal/consistency"
	"github.com/meddexhq/deidentify/internal/detect"
	"github.com/meddexhq/deidentify/internal/safeharbor"
	"github.com/meddexhq/deidentify/internal/transform"
)

func testVerifier(t *testing.T, cfg *config.Deidentification) (*detect.Detector, *transform.Engine, *Verifier) {
	t.Helper()
	reg, err := safeharbor.NewRegistry()
	require.NoError(t, err)
	det := detect.NewDetector(reg, cfg.MaxDepth)
	eng := transform.NewEngine(cfg)
	return det, eng, NewVerifier(det, eng)
}

func fixedState() transform.StateFunc {
	return func() (consistency.State, error) {
		return consistency.State{
			PatientKey:    "pk-1",
			DateShiftDays: 12,
			HashSalt:      []byte("0123456789abcdef0123456789abcdef"),
		}, nil
	}
}

func TestVerifyCleanAfterTransform(t *testing.T) {
	cfg := config.Default().Deidentification
	det, eng, ver := testVerifier(t, &cfg)

	rec := map[string]any{
		"patient_id": "P-1001",
		"name":       "Ada Byron",
		"ssn":        "123-45-6789",
		"birth_date": "1950-06-01",
		"zip":        "02139",
		"age":        92,
		"heart_rate": 72,
	}
	findings, err := det.Detect(rec)
	require.NoError(t, err)
	res, err := eng.Apply(rec, findings, fixedState())
	require.NoError(t, err)

	flags, err := ver.Verify(res.Record)
	require.NoError(t, err)
	assert.Empty(t, flags)
}

func TestVerifyFlagsUntouchedValues(t *testing.T) {
	cfg := config.Default().Deidentification
	_, _, ver := testVerifier(t, &cfg)

	rec := map[string]any{
		"ssn":  "123-45-6789",
		"name": "Ada Byron",
	}
	flags, err := ver.Verify(rec)
	require.NoError(t, err)
	require.Len(t, flags, 2)
	for _, f := range flags {
		assert.Equal(t, ReasonResidual, f.Reason)
	}
}

func TestVerifyTrustsShiftProvenance(t *testing.T) {
	cfg := config.Default().Deidentification
	det, eng, ver := testVerifier(t, &cfg)

	rec := map[string]any{"visit_date": "2024-03-15"}
	findings, err := det.Detect(rec)
	require.NoError(t, err)
	res, err := eng.Apply(rec, findings, fixedState())
	require.NoError(t, err)
	require.Equal(t, "2024-03-27", res.Record["visit_date"])

	flags, err := ver.Verify(res.Record)
	require.NoError(t, err)
	assert.Empty(t, flags)
}

func TestVerifyIgnoresProvenanceForOtherRecords(t *testing.T) {
	cfg := config.Default().Deidentification
	_, _, ver := testVerifier(t, &cfg)

	// A raw date with no provenance entry still counts as residual.
	rec := map[string]any{"visit_date": "2024-03-15"}
	flags, err := ver.Verify(rec)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, "visit_date", flags[0].Finding.Path.String())
}

func TestVerifyFlagsDisabledCategoryOutput(t *testing.T) {
	cfg := config.Default().Deidentification
	cfg.RemoveContactInfo = false
	det, eng, ver := testVerifier(t, &cfg)

	rec := map[string]any{"phone": "617-555-0101"}
	findings, err := det.Detect(rec)
	require.NoError(t, err)
	res, err := eng.Apply(rec, findings, fixedState())
	require.NoError(t, err)
	require.Equal(t, "617-555-0101", res.Record["phone"])

	flags, err := ver.Verify(res.Record)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, ReasonResidual, flags[0].Reason)
	assert.Equal(t, safeharbor.CategoryPhone, flags[0].Finding.Category)
}

func TestVerifyAcceptsCompliantFixedPoints(t *testing.T) {
	cfg := config.Default().Deidentification
	_, _, ver := testVerifier(t, &cfg)

	rec := map[string]any{
		"age":         47,
		"zip":         "021",
		"name":        "[NAME]",
		"mrn":         "[HASH:mrn:0011223344556677]",
		"patient_age": "90+",
		"birth_date":  nil,
	}
	flags, err := ver.Verify(rec)
	require.NoError(t, err)
	assert.Empty(t, flags)
}
