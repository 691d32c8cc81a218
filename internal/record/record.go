package record

import (
	"errors"
	"strconv"
	"strings"
)

var (
	ErrMalformed = errors.New("malformed record")
)

// MetadataKey is the reserved top-level field carrying processing
// provenance. Detection ignores the subtree beneath it.
const MetadataKey = "_deid"

// Path locates a single value inside a nested record. Segments are map
// keys; slice positions appear as decimal indices, so a path renders as
// "contacts.0.value".
type Path []string

func (p Path) String() string {
	return strings.Join(p, ".")
}

// Field returns the innermost map key on the path. Elements of a slice
// inherit the key the slice is stored under.
func (p Path) Field() string {
	for i := len(p) - 1; i >= 0; i-- {
		if !isIndex(p[i]) {
			return p[i]
		}
	}
	return ""
}

func (p Path) child(seg string) Path {
	next := make(Path, len(p), len(p)+1)
	copy(next, p)
	return append(next, seg)
}

// ParsePath splits a dotted path expression into segments.
func ParsePath(s string) Path {
	if s == "" {
		return nil
	}
	return Path(strings.Split(s, "."))
}

// Get resolves the value at path p inside rec.
func Get(rec map[string]any, p Path) (any, bool) {
	var cur any = rec
	for _, seg := range p {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Set replaces the value at path p inside rec. It reports whether the
// path resolved to an existing slot; Set never creates containers.
func Set(rec map[string]any, p Path, v any) bool {
	if len(p) == 0 {
		return false
	}
	parent, ok := Get(rec, p[:len(p)-1])
	if !ok {
		return false
	}
	last := p[len(p)-1]
	switch node := parent.(type) {
	case map[string]any:
		if _, exists := node[last]; !exists {
			return false
		}
		node[last] = v
		return true
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(node) {
			return false
		}
		node[idx] = v
		return true
	}
	return false
}

// Clone returns a deep copy of rec. Maps and slices are duplicated all
// the way down; scalar values are shared.
func Clone(rec map[string]any) map[string]any {
	if rec == nil {
		return nil
	}
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch node := v.(type) {
	case map[string]any:
		return Clone(node)
	case []any:
		out := make([]any, len(node))
		for i, elem := range node {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return v
	}
}

// IsScalar reports whether v is a leaf value rather than a container.
func IsScalar(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return false
	default:
		return true
	}
}

func isIndex(seg string) bool {
	if seg == "" {
		return false
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
