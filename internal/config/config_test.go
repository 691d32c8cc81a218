package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meddexhq/deidentify/internal/safeharbor"
)

func TestDefaultIsStrictAndValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.Deidentification.Strict())
	assert.True(t, cfg.Deidentification.HashPatientIDs)
	assert.Equal(t, 89, cfg.Deidentification.AgeThreshold)
	assert.Equal(t, 365, cfg.Deidentification.MaxDateShiftDays)
	assert.Equal(t, StrategyPerPatient, cfg.Deidentification.DateShiftStrategy)
	assert.Equal(t, "memory", cfg.Store.Type)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deidentify.yaml")
	content := `deidentification:
  mode: permissive
  age_threshold: 85
  preserve_day_of_week: true
store:
  type: postgres
  postgres:
    host: db.internal
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.Deidentification.Strict())
	assert.Equal(t, 85, cfg.Deidentification.AgeThreshold)
	assert.True(t, cfg.Deidentification.PreserveDayOfWeek)
	assert.Equal(t, "postgres", cfg.Store.Type)
	assert.Equal(t, "db.internal", cfg.Store.Postgres.Host)

	// untouched fields keep their defaults
	assert.True(t, cfg.Deidentification.RemoveNames)
	assert.True(t, cfg.Deidentification.ShiftDates)
	assert.Equal(t, 5432, cfg.Store.Postgres.Port)
	assert.Equal(t, 3, cfg.Deidentification.ZIPPrefixLength)
}

func TestLoadMissingExplicitPathFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DEID_STORE_TYPE", "mongo")
	t.Setenv("DEID_MONGO_URI", "mongodb://mongo.internal:27017")
	t.Setenv("DEID_MODE", "permissive")
	t.Setenv("DEID_WORKERS", "8")
	t.Setenv("DEID_ATTEST_SECRET", "s3cret")

	cfg := Default()
	applyEnv(cfg)

	assert.Equal(t, "mongo", cfg.Store.Type)
	assert.Equal(t, "mongodb://mongo.internal:27017", cfg.Store.Mongo.URI)
	assert.Equal(t, ModePermissive, cfg.Deidentification.Mode)
	assert.Equal(t, 8, cfg.Deidentification.Workers)
	assert.True(t, cfg.Attestation.Enabled)
	assert.Equal(t, "s3cret", cfg.Attestation.Secret)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Deidentification)
	}{
		{"zero age threshold", func(d *Deidentification) { d.AgeThreshold = 0 }},
		{"zero shift bound", func(d *Deidentification) { d.MaxDateShiftDays = 0 }},
		{"weekday with tiny bound", func(d *Deidentification) {
			d.PreserveDayOfWeek = true
			d.MaxDateShiftDays = 3
		}},
		{"bad strategy", func(d *Deidentification) { d.DateShiftStrategy = "per-site" }},
		{"bad mode", func(d *Deidentification) { d.Mode = "lenient" }},
		{"zip prefix too long", func(d *Deidentification) { d.ZIPPrefixLength = 6 }},
		{"confidence out of range", func(d *Deidentification) { d.ConfidenceThreshold = 1.5 }},
		{"per-dataset without key", func(d *Deidentification) {
			d.DateShiftStrategy = StrategyPerDataset
			d.DatasetKey = ""
		}},
		{"negative k threshold", func(d *Deidentification) { d.KAnonymityThreshold = -1 }},
		{"negative rate", func(d *Deidentification) { d.MaxRecordsPerSecond = -5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg.Deidentification)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestCategoryEnabledMapping(t *testing.T) {
	d := Default().Deidentification
	for _, c := range safeharbor.AllCategories() {
		assert.True(t, d.CategoryEnabled(c), "default config enables %s", c)
	}

	d.RemoveContactInfo = false
	assert.False(t, d.CategoryEnabled(safeharbor.CategoryPhone))
	assert.False(t, d.CategoryEnabled(safeharbor.CategoryFax))
	assert.False(t, d.CategoryEnabled(safeharbor.CategoryEmail))
	assert.True(t, d.CategoryEnabled(safeharbor.CategorySSN))

	d.RemoveDatesOfBirth = false
	assert.True(t, d.CategoryEnabled(safeharbor.CategoryDate), "shift_dates keeps dates enabled")
	d.ShiftDates = false
	assert.False(t, d.CategoryEnabled(safeharbor.CategoryDate))

	// categories without a toggle cannot be switched off
	d.HashPatientIDs = false
	assert.True(t, d.CategoryEnabled(safeharbor.CategoryBiometric))
	assert.True(t, d.CategoryEnabled(safeharbor.CategoryURL))
	assert.False(t, d.CategoryEnabled(safeharbor.CategoryOther))
}

func TestConfigHashTracksOptions(t *testing.T) {
	a := Default().Deidentification
	b := Default().Deidentification
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Len(t, a.Hash(), 16)

	b.AgeThreshold = 80
	assert.NotEqual(t, a.Hash(), b.Hash())
}
