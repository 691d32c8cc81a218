package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/meddexhq/deidentify/internal/safeharbor"
)

const (
	ModeStrict     = "strict"
	ModePermissive = "permissive"

	StrategyPerPatient = "per-patient"
	StrategyPerDataset = "per-dataset"
)

type Config struct {
	Deidentification Deidentification `yaml:"deidentification"`
	Store            Store            `yaml:"store"`
	Audit            Audit            `yaml:"audit"`
	Attestation      Attestation      `yaml:"attestation"`
}

// Deidentification holds the per-run engine options. Loaded once and
// treated as immutable for the whole run.
type Deidentification struct {
	HashPatientIDs     bool   `yaml:"hash_patient_ids" json:"hash_patient_ids"`
	RemoveNames        bool   `yaml:"remove_names" json:"remove_names"`
	RemoveAddresses    bool   `yaml:"remove_addresses" json:"remove_addresses"`
	RemoveDatesOfBirth bool   `yaml:"remove_dates_of_birth" json:"remove_dates_of_birth"`
	RemoveContactInfo  bool   `yaml:"remove_contact_info" json:"remove_contact_info"`
	RemoveMRNs         bool   `yaml:"remove_mrns" json:"remove_mrns"`
	RemoveSSN          bool   `yaml:"remove_ssn" json:"remove_ssn"`
	RemoveDeviceIDs    bool   `yaml:"remove_device_ids" json:"remove_device_ids"`
	AgeThreshold       int    `yaml:"age_threshold" json:"age_threshold"`
	ShiftDates         bool   `yaml:"shift_dates" json:"shift_dates"`
	DateShiftStrategy  string `yaml:"date_shift_strategy" json:"date_shift_strategy"`
	MaxDateShiftDays   int    `yaml:"max_date_shift_days" json:"max_date_shift_days"`
	PreserveDayOfWeek  bool   `yaml:"preserve_day_of_week" json:"preserve_day_of_week"`

	KAnonymityThreshold int      `yaml:"k_anonymity_threshold" json:"k_anonymity_threshold"`
	QuasiIdentifiers    []string `yaml:"quasi_identifiers" json:"quasi_identifiers"`

	Mode                string   `yaml:"mode" json:"mode"`
	ZIPPrefixLength     int      `yaml:"zip_prefix_length" json:"zip_prefix_length"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold" json:"confidence_threshold"`
	PatientIDFields     []string `yaml:"patient_id_fields" json:"patient_id_fields"`
	DatasetKey          string   `yaml:"dataset_key" json:"dataset_key"`
	CustomRulesFile     string   `yaml:"custom_rules_file" json:"custom_rules_file"`

	Workers             int     `yaml:"workers" json:"workers"`
	MaxRecordsPerSecond float64 `yaml:"max_records_per_second" json:"max_records_per_second"`
	MaxDepth            int     `yaml:"max_depth" json:"max_depth"`
}

type Store struct {
	Type     string   `yaml:"type"` // memory, postgres or mongo
	Postgres Postgres `yaml:"postgres"`
	Mongo    Mongo    `yaml:"mongo"`
}

type Postgres struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

type Mongo struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type Audit struct {
	Elasticsearch Elasticsearch `yaml:"elasticsearch"`
}

type Elasticsearch struct {
	Enabled   bool     `yaml:"enabled"`
	Addresses []string `yaml:"addresses"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
}

type Attestation struct {
	Enabled  bool   `yaml:"enabled"`
	Secret   string `yaml:"secret"`
	TTLHours int    `yaml:"ttl_hours"`
}

// Default returns the fail-closed baseline: every category transform
// on, strict mode, per-patient shifting within a year.
func Default() *Config {
	return &Config{
		Deidentification: Deidentification{
			HashPatientIDs:      true,
			RemoveNames:         true,
			RemoveAddresses:     true,
			RemoveDatesOfBirth:  true,
			RemoveContactInfo:   true,
			RemoveMRNs:          true,
			RemoveSSN:           true,
			RemoveDeviceIDs:     true,
			AgeThreshold:        89,
			ShiftDates:          true,
			DateShiftStrategy:   StrategyPerPatient,
			MaxDateShiftDays:    365,
			QuasiIdentifiers:    []string{"age", "zip", "gender"},
			Mode:                ModeStrict,
			ZIPPrefixLength:     3,
			ConfidenceThreshold: 0.6,
			PatientIDFields:     []string{"patient_id", "patientId", "subject_id", "mrn"},
			DatasetKey:          "dataset:default",
			Workers:             4,
			MaxDepth:            64,
		},
		Store: Store{
			Type: "memory",
			Postgres: Postgres{
				Host:    "localhost",
				Port:    5432,
				SSLMode: "disable",
			},
			Mongo: Mongo{
				URI:      "mongodb://localhost:27017",
				Database: "deidentify",
			},
		},
		Attestation: Attestation{
			TTLHours: 720,
		},
	}
}

// Load reads configuration from the given path, or searches the usual
// locations when path is empty. Absent fields keep their defaults, then
// DEID_* environment variables override.
func Load(path string) (*Config, error) {
	cfg := Default()

	configPaths := []string{
		"./configs/deidentify.yaml",
		"../configs/deidentify.yaml",
		"/etc/deidentify/config.yaml",
	}
	if path != "" {
		configPaths = []string{path}
	}

	loaded := false
	for _, p := range configPaths {
		absPath, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		configFile, err := os.ReadFile(absPath)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", p, err)
		}
		loaded = true
		break
	}
	if path != "" && !loaded {
		return nil, fmt.Errorf("no configuration file found at %s", path)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("DEID")
	v.AutomaticEnv()

	if s := v.GetString("STORE_TYPE"); s != "" {
		cfg.Store.Type = s
	}
	if s := v.GetString("POSTGRES_HOST"); s != "" {
		cfg.Store.Postgres.Host = s
	}
	if s := v.GetString("POSTGRES_PORT"); s != "" {
		if port, err := strconv.Atoi(s); err == nil {
			cfg.Store.Postgres.Port = port
		}
	}
	if s := v.GetString("POSTGRES_USER"); s != "" {
		cfg.Store.Postgres.User = s
	}
	if s := v.GetString("POSTGRES_PASSWORD"); s != "" {
		cfg.Store.Postgres.Password = s
	}
	if s := v.GetString("POSTGRES_DB"); s != "" {
		cfg.Store.Postgres.Name = s
	}
	if s := v.GetString("MONGO_URI"); s != "" {
		cfg.Store.Mongo.URI = s
	}
	if s := v.GetString("MONGO_DB"); s != "" {
		cfg.Store.Mongo.Database = s
	}
	if s := v.GetString("ES_ADDRESS"); s != "" {
		cfg.Audit.Elasticsearch.Enabled = true
		cfg.Audit.Elasticsearch.Addresses = []string{s}
	}
	if s := v.GetString("ES_USERNAME"); s != "" {
		cfg.Audit.Elasticsearch.Username = s
	}
	if s := v.GetString("ES_PASSWORD"); s != "" {
		cfg.Audit.Elasticsearch.Password = s
	}
	if s := v.GetString("ATTEST_SECRET"); s != "" {
		cfg.Attestation.Enabled = true
		cfg.Attestation.Secret = s
	}
	if s := v.GetString("MODE"); s != "" {
		cfg.Deidentification.Mode = s
	}
	if s := v.GetString("WORKERS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			cfg.Deidentification.Workers = n
		}
	}
}

func (c *Config) Validate() error {
	return c.Deidentification.Validate()
}

func (d *Deidentification) Validate() error {
	if d.AgeThreshold < 1 {
		return fmt.Errorf("age_threshold must be positive, got %d", d.AgeThreshold)
	}
	if d.MaxDateShiftDays < 1 {
		return fmt.Errorf("max_date_shift_days must be positive, got %d", d.MaxDateShiftDays)
	}
	if d.PreserveDayOfWeek && d.MaxDateShiftDays < 7 {
		return fmt.Errorf("max_date_shift_days must be at least 7 when preserve_day_of_week is set, got %d", d.MaxDateShiftDays)
	}
	switch d.DateShiftStrategy {
	case StrategyPerPatient, StrategyPerDataset:
	default:
		return fmt.Errorf("date_shift_strategy must be %s or %s, got %q", StrategyPerPatient, StrategyPerDataset, d.DateShiftStrategy)
	}
	switch d.Mode {
	case ModeStrict, ModePermissive:
	default:
		return fmt.Errorf("mode must be %s or %s, got %q", ModeStrict, ModePermissive, d.Mode)
	}
	if d.ZIPPrefixLength < 1 || d.ZIPPrefixLength > 5 {
		return fmt.Errorf("zip_prefix_length must be between 1 and 5, got %d", d.ZIPPrefixLength)
	}
	if d.ConfidenceThreshold < 0 || d.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be between 0 and 1, got %v", d.ConfidenceThreshold)
	}
	if d.DateShiftStrategy == StrategyPerDataset && d.DatasetKey == "" {
		return fmt.Errorf("dataset_key is required with per-dataset shifting")
	}
	if d.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", d.Workers)
	}
	if d.KAnonymityThreshold < 0 {
		return fmt.Errorf("k_anonymity_threshold must not be negative, got %d", d.KAnonymityThreshold)
	}
	if d.MaxRecordsPerSecond < 0 {
		return fmt.Errorf("max_records_per_second must not be negative, got %v", d.MaxRecordsPerSecond)
	}
	return nil
}

// Strict reports whether residual PHI rejects the record instead of
// annotating it.
func (d *Deidentification) Strict() bool {
	return d.Mode != ModePermissive
}

// CategoryEnabled maps the recognized toggles onto categories. The
// categories without a toggle have no sanctioned passthrough and stay
// always on.
func (d *Deidentification) CategoryEnabled(c safeharbor.Category) bool {
	switch c {
	case safeharbor.CategoryName:
		return d.RemoveNames
	case safeharbor.CategoryGeographic:
		return d.RemoveAddresses
	case safeharbor.CategoryDate:
		return d.RemoveDatesOfBirth || d.ShiftDates
	case safeharbor.CategoryPhone, safeharbor.CategoryFax, safeharbor.CategoryEmail:
		return d.RemoveContactInfo
	case safeharbor.CategoryMRN:
		return d.RemoveMRNs
	case safeharbor.CategorySSN:
		return d.RemoveSSN
	case safeharbor.CategoryDevice:
		return d.RemoveDeviceIDs
	case safeharbor.CategoryOther:
		return d.HashPatientIDs
	default:
		return true
	}
}

// Hash fingerprints the engine options for run ledgers and
// attestations. Two runs with the same hash applied the same policy.
func (d *Deidentification) Hash() string {
	data, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}
