package record

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// DefaultMaxDepth bounds nesting during a walk. Clinical documents and
// FHIR bundles stay far below this in practice.
const DefaultMaxDepth = 64

// LeafFunc is called for every scalar leaf encountered during a Walk.
// Returning an error aborts the walk.
type LeafFunc func(path Path, value any) error

// Walk visits every scalar leaf of rec depth-first, map keys in sorted
// order so repeated walks over the same record are deterministic. The
// walk fails with ErrMalformed when nesting exceeds maxDepth or when a
// container is reachable from itself.
func Walk(rec map[string]any, maxDepth int, fn LeafFunc) error {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	w := &walker{maxDepth: maxDepth, fn: fn, active: make(map[uintptr]struct{})}
	return w.walkMap(rec, nil, 0)
}

type walker struct {
	maxDepth int
	fn       LeafFunc
	active   map[uintptr]struct{}
}

func (w *walker) walkMap(node map[string]any, path Path, depth int) error {
	if node == nil {
		return nil
	}
	ptr := reflect.ValueOf(node).Pointer()
	if _, seen := w.active[ptr]; seen {
		return fmt.Errorf("%w: cycle at %q", ErrMalformed, path.String())
	}
	if depth >= w.maxDepth {
		return fmt.Errorf("%w: depth limit %d exceeded at %q", ErrMalformed, w.maxDepth, path.String())
	}
	w.active[ptr] = struct{}{}
	defer delete(w.active, ptr)

	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.walkValue(node[k], path.child(k), depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) walkSlice(node []any, path Path, depth int) error {
	if len(node) == 0 {
		return nil
	}
	ptr := reflect.ValueOf(node).Pointer()
	if _, seen := w.active[ptr]; seen {
		return fmt.Errorf("%w: cycle at %q", ErrMalformed, path.String())
	}
	if depth >= w.maxDepth {
		return fmt.Errorf("%w: depth limit %d exceeded at %q", ErrMalformed, w.maxDepth, path.String())
	}
	w.active[ptr] = struct{}{}
	defer delete(w.active, ptr)

	for i, elem := range node {
		if err := w.walkValue(elem, path.child(strconv.Itoa(i)), depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) walkValue(v any, path Path, depth int) error {
	switch node := v.(type) {
	case map[string]any:
		return w.walkMap(node, path, depth)
	case []any:
		return w.walkSlice(node, path, depth)
	default:
		return w.fn(path, v)
	}
}
