// Package transform applies per-category de-identification policies to
// detected values, deterministically per patient.
package transform

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/meddexhq/deidentify/internal/config"
	"github.com/meddexhq/deidentify/internal/consistency"
	"github.com/meddexhq/deidentify/internal/detect"
	"github.com/meddexhq/deidentify/internal/record"
	"github.com/meddexhq/deidentify/internal/safeharbor"
)

// StateFunc hands the engine the patient's consistency state on first
// use. Records whose findings all resolve without hashing or shifting
// never trigger it, so a second pass over de-identified output does not
// demand a patient identifier.
type StateFunc func() (consistency.State, error)

// Applied describes one resolved finding. Changed is false when the
// value was already compliant output and the policy was a no-op.
type Applied struct {
	Path     record.Path
	Category safeharbor.Category
	Policy   safeharbor.Policy
	Changed  bool
}

// Result is the outcome of one Apply call. Skipped findings belong to
// categories the configuration disables; the orchestrator decides what
// that means for the record.
type Result struct {
	Record  map[string]any
	Applied []Applied
	Skipped []detect.Finding
}

// Engine applies policies under one immutable configuration.
type Engine struct {
	cfg *config.Deidentification
}

func NewEngine(cfg *config.Deidentification) *Engine {
	return &Engine{cfg: cfg}
}

// Apply transforms every finding on a deep copy of rec. The input is
// never mutated and no partially transformed record is ever returned:
// any error discards the copy.
func (e *Engine) Apply(rec map[string]any, findings []detect.Finding, state StateFunc) (*Result, error) {
	out := record.Clone(rec)
	shifted := ShiftedPaths(out)
	newShifted := make(map[string]bool)

	var cached *consistency.State
	getState := func() (consistency.State, error) {
		if cached != nil {
			return *cached, nil
		}
		st, err := state()
		if err != nil {
			return consistency.State{}, err
		}
		cached = &st
		return st, nil
	}

	res := &Result{Record: out}
	for _, f := range findings {
		if !e.cfg.CategoryEnabled(f.Category) {
			res.Skipped = append(res.Skipped, f)
			continue
		}
		v, ok := record.Get(out, f.Path)
		if !ok || v == nil {
			continue
		}
		str := detect.Coerce(v)
		if IsMarker(str) {
			res.Applied = append(res.Applied, Applied{Path: f.Path, Category: f.Category, Policy: f.Policy})
			continue
		}

		policy := e.policyFor(f)
		changed := false
		switch policy {
		case safeharbor.PolicyRemove:
			record.Set(out, f.Path, Placeholder(f.Category))
			changed = true

		case safeharbor.PolicyHash:
			st, err := getState()
			if err != nil {
				return nil, err
			}
			record.Set(out, f.Path, HashToken(f.Category, str, st.HashSalt))
			changed = true

		case safeharbor.PolicyDateShift:
			if shifted[f.Path.String()] {
				break
			}
			st, err := getState()
			if err != nil {
				return nil, err
			}
			nv, ok := shiftValue(v, e.clampShift(st.DateShiftDays))
			if !ok {
				// not parseable as a date: fail closed
				nv = Placeholder(f.Category)
			} else {
				newShifted[f.Path.String()] = true
			}
			record.Set(out, f.Path, nv)
			changed = true

		case safeharbor.PolicyGeneralize:
			age, numeric := parseAge(v)
			switch {
			case !numeric:
				record.Set(out, f.Path, Placeholder(f.Category))
				changed = true
			case age > float64(e.cfg.AgeThreshold):
				record.Set(out, f.Path, fmt.Sprintf("%d+", e.cfg.AgeThreshold+1))
				changed = true
			}

		case safeharbor.PolicyTruncate:
			if len(str) > e.cfg.ZIPPrefixLength {
				record.Set(out, f.Path, str[:e.cfg.ZIPPrefixLength])
				changed = true
			}
		}
		res.Applied = append(res.Applied, Applied{Path: f.Path, Category: f.Category, Policy: policy, Changed: changed})
	}

	writeShiftedPaths(out, shifted, newShifted)
	return res, nil
}

// policyFor resolves the date policy split: with shifting off but
// date removal on, date findings fall back to removal.
func (e *Engine) policyFor(f detect.Finding) safeharbor.Policy {
	if f.Policy == safeharbor.PolicyDateShift && !e.cfg.ShiftDates {
		return safeharbor.PolicyRemove
	}
	return f.Policy
}

// clampShift bounds the stored offset to the configured maximum and,
// when day-of-week preservation is on, aligns it to whole weeks. The
// offset never collapses to zero.
func (e *Engine) clampShift(days int) int {
	bound := e.cfg.MaxDateShiftDays
	if bound <= 0 {
		bound = consistency.DefaultMaxShiftDays
	}
	sign := 1
	if days < 0 {
		sign = -1
	}
	mag := days * sign
	if mag > bound {
		mag = bound
	}
	if e.cfg.PreserveDayOfWeek {
		mag -= mag % 7
		if mag == 0 {
			mag = 7
		}
	}
	if mag == 0 {
		mag = 1
	}
	return sign * mag
}

// FixedPoint reports whether applying policy to value would change
// nothing, meaning the value is already compliant output. Date shifts
// have no fixed point a verifier could recognize from the value alone;
// those are vouched for by the shifted-path provenance instead.
func (e *Engine) FixedPoint(value any, policy safeharbor.Policy) bool {
	str := detect.Coerce(value)
	if IsMarker(str) {
		return true
	}
	switch policy {
	case safeharbor.PolicyGeneralize:
		age, numeric := parseAge(value)
		return numeric && age <= float64(e.cfg.AgeThreshold)
	case safeharbor.PolicyTruncate:
		return len(str) <= e.cfg.ZIPPrefixLength
	default:
		return false
	}
}

func parseAge(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// ShiftedPaths reads the provenance block left by an earlier pass.
func ShiftedPaths(rec map[string]any) map[string]bool {
	meta, ok := rec[record.MetadataKey].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]bool)
	switch list := meta["shifted"].(type) {
	case []any:
		for _, p := range list {
			if s, ok := p.(string); ok {
				out[s] = true
			}
		}
	case []string:
		for _, s := range list {
			out[s] = true
		}
	}
	return out
}

// writeShiftedPaths records which paths carry shifted dates. Nothing is
// written when no shifts ever happened, and re-writing an unchanged set
// is byte-stable, so repeated passes converge.
func writeShiftedPaths(rec map[string]any, old map[string]bool, added map[string]bool) {
	if len(old) == 0 && len(added) == 0 {
		return
	}
	union := make(map[string]bool, len(old)+len(added))
	for p := range old {
		union[p] = true
	}
	for p := range added {
		union[p] = true
	}
	paths := make([]string, 0, len(union))
	for p := range union {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	list := make([]any, len(paths))
	for i, p := range paths {
		list[i] = p
	}
	rec[record.MetadataKey] = map[string]any{"shifted": list}
}
