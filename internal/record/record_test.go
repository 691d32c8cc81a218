package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() map[string]any {
	return map[string]any{
		"patient_id": "P-1001",
		"name":       "Jane Doe",
		"visit": map[string]any{
			"date": "2024-03-15",
			"vitals": map[string]any{
				"bp": "120/80",
			},
		},
		"contacts": []any{
			map[string]any{"type": "phone", "value": "555-867-5309"},
			map[string]any{"type": "email", "value": "jane@example.com"},
		},
		"flags": []any{true, nil},
	}
}

func TestWalkVisitsEveryLeafInOrder(t *testing.T) {
	var paths []string
	err := Walk(sampleRecord(), 0, func(p Path, v any) error {
		paths = append(paths, p.String())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"contacts.0.type",
		"contacts.0.value",
		"contacts.1.type",
		"contacts.1.value",
		"flags.0",
		"flags.1",
		"name",
		"patient_id",
		"visit.date",
		"visit.vitals.bp",
	}, paths)
}

func TestWalkDetectsCycle(t *testing.T) {
	rec := map[string]any{"a": "x"}
	inner := map[string]any{}
	inner["loop"] = inner
	rec["b"] = inner

	err := Walk(rec, 0, func(Path, any) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestWalkEnforcesDepthLimit(t *testing.T) {
	rec := map[string]any{}
	cur := rec
	for i := 0; i < 10; i++ {
		next := map[string]any{}
		cur["n"] = next
		cur = next
	}
	cur["leaf"] = "v"

	err := Walk(rec, 4, func(Path, any) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)

	err = Walk(rec, 32, func(Path, any) error { return nil })
	assert.NoError(t, err)
}

func TestWalkSharedSubtreeIsNotACycle(t *testing.T) {
	shared := map[string]any{"v": 1}
	rec := map[string]any{"a": shared, "b": shared}
	count := 0
	err := Walk(rec, 0, func(Path, any) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestGetAndSet(t *testing.T) {
	rec := sampleRecord()

	v, ok := Get(rec, ParsePath("contacts.1.value"))
	require.True(t, ok)
	assert.Equal(t, "jane@example.com", v)

	_, ok = Get(rec, ParsePath("contacts.7.value"))
	assert.False(t, ok)

	ok = Set(rec, ParsePath("visit.date"), "[DATE]")
	require.True(t, ok)
	v, _ = Get(rec, ParsePath("visit.date"))
	assert.Equal(t, "[DATE]", v)

	assert.False(t, Set(rec, ParsePath("visit.missing"), "x"))
	assert.False(t, Set(rec, ParsePath("contacts.9"), "x"))
}

func TestCloneIsDeep(t *testing.T) {
	rec := sampleRecord()
	dup := Clone(rec)

	require.True(t, Set(dup, ParsePath("visit.vitals.bp"), "redacted"))
	v, _ := Get(rec, ParsePath("visit.vitals.bp"))
	assert.Equal(t, "120/80", v)

	require.True(t, Set(dup, ParsePath("contacts.0.value"), "redacted"))
	v, _ = Get(rec, ParsePath("contacts.0.value"))
	assert.Equal(t, "555-867-5309", v)
}

func TestPathField(t *testing.T) {
	assert.Equal(t, "value", ParsePath("contacts.0.value").Field())
	assert.Equal(t, "aliases", ParsePath("aliases.2").Field())
	assert.Equal(t, "", Path(nil).Field())
}
