// Package detect walks records and reports where Safe Harbor identifiers
// appear, without mutating anything.
package detect

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/meddexhq/deidentify/internal/record"
	"github.com/meddexhq/deidentify/internal/safeharbor"
)

// Finding reports one identifier occurrence. It carries a short salted
// reference to the value, never the value itself, so findings are safe
// to log and audit.
type Finding struct {
	Path       record.Path          `json:"path"`
	Category   safeharbor.Category  `json:"category"`
	Rule       string               `json:"rule"`
	Kind       safeharbor.MatchKind `json:"kind"`
	Policy     safeharbor.Policy    `json:"policy"`
	Confidence float64              `json:"confidence"`
	ValueRef   string               `json:"value_ref"`
}

// Detector applies the registry's rules to every leaf of a record.
type Detector struct {
	registry *safeharbor.Registry
	maxDepth int
	refSalt  []byte
}

// NewDetector builds a detector over the given registry. maxDepth <= 0
// falls back to the walker default. Value references are salted with a
// per-detector random value, so they are stable within a run but not
// reversible across runs.
func NewDetector(reg *safeharbor.Registry, maxDepth int) *Detector {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		panic(fmt.Sprintf("failed to seed value reference salt: %v", err))
	}
	return &Detector{registry: reg, maxDepth: maxDepth, refSalt: salt}
}

// Detect returns every identifier occurrence in rec, at most one finding
// per leaf. It is a pure function of the record and the rule set. The
// walk fails with record.ErrMalformed on cyclic or over-deep input.
func (d *Detector) Detect(rec map[string]any) ([]Finding, error) {
	var findings []Finding
	err := record.Walk(rec, d.maxDepth, func(path record.Path, v any) error {
		if v == nil {
			return nil
		}
		if path[0] == record.MetadataKey {
			return nil
		}
		if f, ok := d.evaluate(path, v); ok {
			findings = append(findings, f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return findings, nil
}

// evaluate runs every rule against one leaf and resolves overlaps: an
// explicit field-name or path match always beats a value-pattern match,
// then higher priority wins. Rules arrive pre-sorted by priority.
func (d *Detector) evaluate(path record.Path, v any) (Finding, bool) {
	field := path.Field()
	pathStr := path.String()
	str := Coerce(v)

	var namedHit, valueHit *safeharbor.Rule
	rules := d.registry.Rules()
	for i := range rules {
		r := &rules[i]
		if namedHit == nil && (r.MatchesField(field) || r.MatchesPath(pathStr)) {
			namedHit = r
		}
		if valueHit == nil && str != "" && r.MatchesValue(str) {
			valueHit = r
		}
		if namedHit != nil && valueHit != nil {
			break
		}
	}

	winner := namedHit
	if winner == nil {
		winner = valueHit
	}
	if winner == nil {
		return Finding{}, false
	}
	return Finding{
		Path:       path,
		Category:   winner.Category,
		Rule:       winner.Name,
		Kind:       winner.Kind,
		Policy:     winner.Policy,
		Confidence: winner.Confidence,
		ValueRef:   d.valueRef(str),
	}, true
}

func (d *Detector) valueRef(s string) string {
	h := sha256.New()
	h.Write(d.refSalt)
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// Coerce renders a leaf value as the string the value rules match
// against. The original value is never mutated.
func Coerce(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	case time.Time:
		return val.Format(time.RFC3339)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}
