// Package verify is the defense-in-depth re-check: after the transform
// engine runs, detection runs again on its output and anything still
// recognizable becomes a residual risk flag.
package verify

import (
	"github.com/meddexhq/deidentify/internal/detect"
	"github.com/meddexhq/deidentify/internal/record"
	"github.com/meddexhq/deidentify/internal/safeharbor"
	"github.com/meddexhq/deidentify/internal/transform"
)

const (
	// ReasonResidual marks a value the transform engine should have
	// handled but did not.
	ReasonResidual = "residual_phi"
	// ReasonDisabled marks a value left raw because its category
	// transformation is switched off in configuration.
	ReasonDisabled = "category_disabled"
)

// Flag is one residual risk signal on transformed output.
type Flag struct {
	Finding detect.Finding `json:"finding"`
	Reason  string         `json:"reason"`
}

// Verifier re-runs the full rule set against transformed records. It
// cannot tell a transform bug from a deliberate configuration gap, so
// it reports both and leaves the policy call to the orchestrator.
type Verifier struct {
	det *detect.Detector
	eng *transform.Engine
}

func NewVerifier(det *detect.Detector, eng *transform.Engine) *Verifier {
	return &Verifier{det: det, eng: eng}
}

// Verify returns a flag for every finding that still matches on the
// transformed record. Values that are recognizable compliant output
// (markers, in-range ages, truncated codes) and dates vouched for by
// shift provenance are not flagged.
func (v *Verifier) Verify(rec map[string]any) ([]Flag, error) {
	findings, err := v.det.Detect(rec)
	if err != nil {
		return nil, err
	}
	shifted := transform.ShiftedPaths(rec)

	var flags []Flag
	for _, f := range findings {
		if f.Policy == safeharbor.PolicyDateShift && shifted[f.Path.String()] {
			continue
		}
		val, ok := record.Get(rec, f.Path)
		if !ok || val == nil {
			continue
		}
		if v.eng.FixedPoint(val, f.Policy) {
			continue
		}
		flags = append(flags, Flag{Finding: f, Reason: ReasonResidual})
	}
	return flags, nil
}
