// Package deid wires the pattern registry, detector, transform engine,
// verifier and consistency store into record and batch operations, and
// decides outcomes under the configured mode.
package deid

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/meddexhq/deidentify/internal/audit"
	"github.com/meddexhq/deidentify/internal/config"
	"github.com/meddexhq/deidentify/internal/consistency"
	"github.com/meddexhq/deidentify/internal/detect"
	"github.com/meddexhq/deidentify/internal/pipeline"
	"github.com/meddexhq/deidentify/internal/record"
	"github.com/meddexhq/deidentify/internal/safeharbor"
	"github.com/meddexhq/deidentify/internal/transform"
	"github.com/meddexhq/deidentify/internal/verify"
)

const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// ErrMissingPatientIdentifier fails a record that needs per-patient
// state when none of the configured identifier fields carries a value.
var ErrMissingPatientIdentifier = errors.New("record carries no patient identifier")

// ErrResidualPHI marks a record refused in strict mode because
// verification still flagged identifying values.
var ErrResidualPHI = errors.New("residual identifiers above confidence threshold")

// KeyFunc resolves the raw patient identity of a record. The returned
// value never leaves the process raw; it is pseudonymized before use.
type KeyFunc func(rec map[string]any) (string, bool)

// Result is the outcome of processing one record.
type Result struct {
	Record        map[string]any      `json:"record,omitempty"`
	Outcome       string              `json:"outcome"`
	CorrelationID string              `json:"correlation_id"`
	PatientKey    string              `json:"patient_key,omitempty"`
	Applied       []transform.Applied `json:"applied,omitempty"`
	Flags         []verify.Flag       `json:"flags,omitempty"`
	Err           error               `json:"-"`
}

// RunSummary aggregates one batch run.
type RunSummary struct {
	RunID       string         `json:"run_id"`
	ConfigHash  string         `json:"config_hash"`
	Mode        string         `json:"mode"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Accepted    int            `json:"accepted"`
	Rejected    int            `json:"rejected"`
	Failed      int            `json:"failed"`
	Flagged     int            `json:"flagged"`
	Categories  map[string]int `json:"categories"`
}

// QuasiGroup is one equivalence class over the quasi-identifiers.
type QuasiGroup struct {
	Values map[string]string `json:"values"`
	Size   int               `json:"size"`
}

// RiskReport is the k-anonymity view of a processed dataset.
type RiskReport struct {
	Threshold      int          `json:"threshold"`
	Records        int          `json:"records"`
	Groups         int          `json:"groups"`
	BelowThreshold []QuasiGroup `json:"below_threshold,omitempty"`
}

type Service interface {
	Deidentify(ctx context.Context, rec map[string]any) (*Result, error)
	DetectOnly(ctx context.Context, rec map[string]any) ([]detect.Finding, error)
	DeidentifyBatch(ctx context.Context, src pipeline.Source, emit func(*Result) error) (*RunSummary, error)
	AssessRisk(recs []map[string]any) *RiskReport
}

type service struct {
	cfg        *config.Deidentification
	registry   *safeharbor.Registry
	detector   *detect.Detector
	engine     *transform.Engine
	verifier   *verify.Verifier
	store      consistency.Store
	audit      audit.Service
	keyFn      KeyFunc
	limiter    *rate.Limiter
	extraRules []safeharbor.Rule
}

type Option func(*service)

// WithAudit attaches an audit sink. Without one, nothing is emitted.
func WithAudit(sink audit.Service) Option {
	return func(s *service) { s.audit = sink }
}

// WithKeyFunc overrides patient identity resolution, e.g. for FHIR
// resources where the identity lives in subject references.
func WithKeyFunc(fn KeyFunc) Option {
	return func(s *service) { s.keyFn = fn }
}

// WithRules adds rules on top of the built-in catalog.
func WithRules(rules ...safeharbor.Rule) Option {
	return func(s *service) { s.extraRules = append(s.extraRules, rules...) }
}

func NewService(cfg *config.Deidentification, store consistency.Store, opts ...Option) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &service{cfg: cfg, store: store}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.CustomRulesFile != "" {
		custom, err := safeharbor.LoadRuleFile(cfg.CustomRulesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load custom rules: %w", err)
		}
		s.extraRules = append(s.extraRules, custom...)
	}

	registry, err := safeharbor.NewRegistry(s.extraRules...)
	if err != nil {
		return nil, err
	}
	s.registry = registry
	s.detector = detect.NewDetector(registry, cfg.MaxDepth)
	s.engine = transform.NewEngine(cfg)
	s.verifier = verify.NewVerifier(s.detector, s.engine)

	if cfg.MaxRecordsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRecordsPerSecond), 1)
	}
	if s.keyFn == nil {
		s.keyFn = s.lookupPatientID
	}

	return s, nil
}

func (s *service) Deidentify(ctx context.Context, rec map[string]any) (*Result, error) {
	return s.process(ctx, "", rec)
}

func (s *service) DetectOnly(ctx context.Context, rec map[string]any) ([]detect.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.detector.Detect(rec)
}

// process runs one record through detection, transformation and
// verification. The returned error is fatal to the whole run; every
// per-record problem lands in the Result instead.
func (s *service) process(ctx context.Context, runID string, rec map[string]any) (*Result, error) {
	res := &Result{CorrelationID: uuid.New().String()}

	findings, err := s.detector.Detect(rec)
	if err != nil {
		return s.fail(ctx, runID, res, fmt.Errorf("detection failed: %w", err)), nil
	}

	var stateKey string
	stateFn := func() (consistency.State, error) {
		key, err := s.stateKey(rec)
		if err != nil {
			return consistency.State{}, err
		}
		state, err := s.store.GetOrCreate(ctx, key)
		if err != nil {
			return consistency.State{}, err
		}
		stateKey = key
		return state, nil
	}

	applied, err := s.engine.Apply(rec, findings, stateFn)
	if err != nil {
		if errors.Is(err, consistency.ErrStoreUnavailable) {
			return nil, fmt.Errorf("failed to load patient state: %w", err)
		}
		return s.fail(ctx, runID, res, fmt.Errorf("transformation failed: %w", err)), nil
	}
	res.PatientKey = stateKey
	res.Applied = applied.Applied

	flags, err := s.verifier.Verify(applied.Record)
	if err != nil {
		return s.fail(ctx, runID, res, fmt.Errorf("verification failed: %w", err)), nil
	}
	for i := range flags {
		if !s.cfg.CategoryEnabled(flags[i].Finding.Category) {
			flags[i].Reason = verify.ReasonDisabled
		}
	}
	res.Flags = flags
	res.Record = applied.Record

	if s.cfg.Strict() && s.rejectable(flags) {
		res.Outcome = OutcomeRejected
		res.Err = ErrResidualPHI
	} else {
		res.Outcome = OutcomeAccepted
		if len(flags) > 0 {
			annotateFlags(applied.Record, flags)
		} else {
			clearFlags(applied.Record)
		}
	}

	s.auditOutcome(ctx, runID, res)
	return res, nil
}

func (s *service) fail(ctx context.Context, runID string, res *Result, err error) *Result {
	res.Outcome = OutcomeFailed
	res.Err = err
	s.auditOutcome(ctx, runID, res)
	return res
}

// rejectable reports whether the flags warrant refusing the record:
// any flag at or above the confidence threshold does, whatever its
// reason, so a disabled category cannot silently leak identifiers in
// strict mode.
func (s *service) rejectable(flags []verify.Flag) bool {
	for _, f := range flags {
		if f.Finding.Confidence >= s.cfg.ConfidenceThreshold {
			return true
		}
	}
	return false
}

// stateKey resolves which consistency state the record uses. Dataset
// strategy shares one state; patient strategy derives a pseudonymous
// key from the record's identity.
func (s *service) stateKey(rec map[string]any) (string, error) {
	if s.cfg.DateShiftStrategy == config.StrategyPerDataset {
		return s.cfg.DatasetKey, nil
	}
	raw, ok := s.keyFn(rec)
	if !ok || raw == "" {
		return "", fmt.Errorf("%w: looked in %s", ErrMissingPatientIdentifier,
			strings.Join(s.cfg.PatientIDFields, ", "))
	}
	return pseudonym(raw), nil
}

// lookupPatientID walks the configured identifier fields, first match
// wins. Values shaped like FHIR references are reduced to the id part.
func (s *service) lookupPatientID(rec map[string]any) (string, bool) {
	for _, field := range s.cfg.PatientIDFields {
		v, ok := record.Get(rec, record.ParsePath(field))
		if !ok || v == nil {
			continue
		}
		raw := detect.Coerce(v)
		if raw == "" {
			continue
		}
		if idx := strings.LastIndex(raw, "Patient/"); idx >= 0 {
			raw = raw[idx+len("Patient/"):]
		}
		if raw != "" {
			return raw, true
		}
	}
	return "", false
}

func pseudonym(raw string) string {
	sum := sha256.Sum256([]byte("deid:patient:" + raw))
	return hex.EncodeToString(sum[:8])
}

// PseudonymFor maps a raw patient identifier to the key the store and
// audit trail use. Administrative tooling needs the same mapping to
// address a patient's state without logging the raw identifier.
func PseudonymFor(raw string) string {
	return pseudonym(raw)
}

// annotateFlags records the flags on the output so permissive consumers
// see what was left behind. Entries are deterministic, so re-running
// the pipeline rewrites the identical annotation.
func annotateFlags(rec map[string]any, flags []verify.Flag) {
	list := make([]any, len(flags))
	for i, f := range flags {
		list[i] = map[string]any{
			"path":       f.Finding.Path.String(),
			"category":   string(f.Finding.Category),
			"reason":     f.Reason,
			"confidence": f.Finding.Confidence,
		}
	}
	meta, ok := rec[record.MetadataKey].(map[string]any)
	if !ok {
		meta = make(map[string]any)
		rec[record.MetadataKey] = meta
	}
	meta["flags"] = list
}

// clearFlags drops annotations left by an earlier pass under a looser
// configuration, so a clean record never carries stale flags.
func clearFlags(rec map[string]any) {
	meta, ok := rec[record.MetadataKey].(map[string]any)
	if !ok {
		return
	}
	delete(meta, "flags")
	if len(meta) == 0 {
		delete(rec, record.MetadataKey)
	}
}

func (s *service) auditOutcome(ctx context.Context, runID string, res *Result) {
	if s.audit == nil {
		return
	}
	event := &audit.Event{
		EventType:     audit.EventRecordOutcome,
		RunID:         runID,
		CorrelationID: res.CorrelationID,
		PatientKey:    res.PatientKey,
		Outcome:       res.Outcome,
		Categories:    categoryCounts(res.Applied),
	}
	if len(res.Flags) > 0 {
		event.EventType = audit.EventResidualPHI
		event.Flags = flagSummaries(res.Flags)
	}
	_ = s.audit.LogEvent(ctx, event)
}

func categoryCounts(applied []transform.Applied) map[string]int {
	if len(applied) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, a := range applied {
		if a.Changed {
			counts[string(a.Category)]++
		}
	}
	if len(counts) == 0 {
		return nil
	}
	return counts
}

func flagSummaries(flags []verify.Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = f.Reason + ":" + string(f.Finding.Category) + ":" + f.Finding.Path.String()
	}
	return out
}

// AssessRisk groups records by the configured quasi-identifiers and
// reports every group smaller than the k-anonymity threshold. A
// threshold below 2 disables the assessment.
func (s *service) AssessRisk(recs []map[string]any) *RiskReport {
	report := &RiskReport{
		Threshold: s.cfg.KAnonymityThreshold,
		Records:   len(recs),
	}
	if s.cfg.KAnonymityThreshold < 2 || len(s.cfg.QuasiIdentifiers) == 0 {
		return report
	}

	groups := make(map[string]*QuasiGroup)
	for _, rec := range recs {
		values := make(map[string]string, len(s.cfg.QuasiIdentifiers))
		parts := make([]string, 0, len(s.cfg.QuasiIdentifiers))
		for _, q := range s.cfg.QuasiIdentifiers {
			v, _ := record.Get(rec, record.ParsePath(q))
			sv := detect.Coerce(v)
			values[q] = sv
			parts = append(parts, sv)
		}
		key := strings.Join(parts, "\x1f")
		group, ok := groups[key]
		if !ok {
			group = &QuasiGroup{Values: values}
			groups[key] = group
		}
		group.Size++
	}
	report.Groups = len(groups)

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if group := groups[key]; group.Size < s.cfg.KAnonymityThreshold {
			report.BelowThreshold = append(report.BelowThreshold, *group)
		}
	}
	return report
}
