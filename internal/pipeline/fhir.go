package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// BundleEntry holds one resource of a FHIR Bundle.
type BundleEntry struct {
	FullURL  string         `json:"fullUrl,omitempty"`
	Resource map[string]any `json:"resource,omitempty"`
}

// Bundle is the subset of a FHIR Bundle this pipeline needs: the entry
// resources and enough framing to rebuild the document afterwards.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Entries      []BundleEntry `json:"entry,omitempty"`
}

// ParseBundle parses raw bundle JSON. Entries without a resource are
// dropped since there is nothing to process in them.
func ParseBundle(data []byte) (*Bundle, error) {
	var raw struct {
		ResourceType string `json:"resourceType"`
		Type         string `json:"type"`
		Entry        []struct {
			FullURL  string          `json:"fullUrl,omitempty"`
			Resource json.RawMessage `json:"resource,omitempty"`
		} `json:"entry,omitempty"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if raw.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected resourceType Bundle, got %q", raw.ResourceType)
	}

	bundle := &Bundle{
		ResourceType: raw.ResourceType,
		Type:         raw.Type,
		Entries:      make([]BundleEntry, 0, len(raw.Entry)),
	}

	for i, e := range raw.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		var res map[string]any
		if err := json.Unmarshal(e.Resource, &res); err != nil {
			return nil, fmt.Errorf("invalid resource in entry %d: %w", i, err)
		}
		bundle.Entries = append(bundle.Entries, BundleEntry{FullURL: e.FullURL, Resource: res})
	}

	return bundle, nil
}

// Records returns the entry resources in bundle order.
func (b *Bundle) Records() []map[string]any {
	recs := make([]map[string]any, len(b.Entries))
	for i, e := range b.Entries {
		recs[i] = e.Resource
	}
	return recs
}

// ReplaceResources swaps the processed resources back in, in order.
// Entry addresses are cleared because a fullUrl names the source record.
func (b *Bundle) ReplaceResources(recs []map[string]any) error {
	if len(recs) != len(b.Entries) {
		return fmt.Errorf("expected %d resources, got %d", len(b.Entries), len(recs))
	}
	for i, rec := range recs {
		b.Entries[i].Resource = rec
		b.Entries[i].FullURL = ""
	}
	return nil
}

// JSON renders the bundle for output.
func (b *Bundle) JSON() ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}

// Source returns a pull iterator over the bundle's resources.
func (b *Bundle) Source() *BundleSource {
	return &BundleSource{bundle: b}
}

type BundleSource struct {
	bundle *Bundle
	next   int
}

func (s *BundleSource) Next(ctx context.Context) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.bundle.Entries) {
		return nil, io.EOF
	}
	rec := s.bundle.Entries[s.next].Resource
	s.next++
	return rec, nil
}

// PatientRef extracts the patient identity a FHIR resource belongs to: a
// Patient resource is keyed by its own id, anything else by its subject
// or patient reference. Absolute reference URLs are accepted.
func PatientRef(resource map[string]any) (string, bool) {
	resourceType, _ := resource["resourceType"].(string)
	if resourceType == "Patient" {
		if id, ok := resource["id"].(string); ok && id != "" {
			return id, true
		}
		return "", false
	}

	for _, field := range []string{"subject", "patient"} {
		ref, ok := resource[field].(map[string]any)
		if !ok {
			continue
		}
		value, ok := ref["reference"].(string)
		if !ok || value == "" {
			continue
		}
		if idx := strings.LastIndex(value, "Patient/"); idx >= 0 {
			id := value[idx+len("Patient/"):]
			if id != "" {
				return id, true
			}
		}
	}

	return "", false
}
