package flatten

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlattenLaysSequenceElementsOutAsRows(t *testing.T) {
	entry := []any{
		map[string]any{"x": map[string]any{"v": json.Number("1")}},
		map[string]any{"x": map[string]any{"v": json.Number("2")}},
	}

	got := Flatten(entry)

	require.Equal(t, Mapping{
		"x.v_0": {Path: "x.v", Value: json.Number("1"), Row: 0},
		"x.v_1": {Path: "x.v", Value: json.Number("2"), Row: 1},
	}, got)
	require.Equal(t, []string{"x.v"}, got.Columns())
	require.Equal(t, []int{0, 1}, got.Rows())
}

func TestFlattenScalarAtRoot(t *testing.T) {
	got := Flatten("solo")
	require.Equal(t, Mapping{"_0": {Path: "", Value: "solo", Row: 0}}, got)
}

func TestFlattenEmptyContainersContributeNothing(t *testing.T) {
	for name, node := range map[string]any{
		"empty sequence":           []any{},
		"empty mapping":            map[string]any{},
		"sequence of empty things": []any{map[string]any{}, []any{}},
	} {
		t.Run(name, func(t *testing.T) {
			require.Empty(t, Flatten(node))
		})
	}
}

func TestFlattenKeepsNullLeaves(t *testing.T) {
	got := Flatten(map[string]any{"gone": nil})
	entry, ok := got["gone_0"]
	require.True(t, ok)
	require.Nil(t, entry.Value)
}

func TestFlattenNestedSequencesAddOffsets(t *testing.T) {
	// [[a b] [c]]: b lands on row 1 and is then overwritten by c (row 1+0).
	got := Flatten([]any{[]any{"a", "b"}, []any{"c"}})
	require.Equal(t, Mapping{
		"_0": {Path: "", Value: "a", Row: 0},
		"_1": {Path: "", Value: "c", Row: 1},
	}, got)
}

func TestFlattenInheritsRowFromEnclosingSequence(t *testing.T) {
	entry := []any{
		map[string]any{"id": "p0"},
		map[string]any{"id": "p1", "name": []any{map[string]any{"given": []any{"Ann", "Marie"}}}},
	}

	got := Flatten(entry)

	require.Equal(t, "p1", got["id_1"].Value)
	require.Equal(t, "Ann", got["name.given_1"].Value)
	require.Equal(t, "Marie", got["name.given_2"].Value)
	require.Equal(t, []int{0, 1, 2}, got.Rows())
	require.Equal(t, 3, got.RowCount())
}

func TestMappingRowCount(t *testing.T) {
	require.Equal(t, 0, Flatten([]any{}).RowCount())
	require.Equal(t, 3, Flatten([]any{map[string]any{"a": "x"}, map[string]any{}, map[string]any{"a": "y"}}).RowCount())
}

func TestFlattenCollidingPathsResolveDeterministically(t *testing.T) {
	node := map[string]any{
		"a.b": json.Number("1"),
		"a":   map[string]any{"b": json.Number("2")},
	}
	for i := 0; i < 50; i++ {
		got := Flatten(node)
		require.Len(t, got, 1)
		require.Equal(t, json.Number("1"), got["a.b_0"].Value)
	}
}

func TestFlattenIsRepeatable(t *testing.T) {
	var doc any
	require.NoError(t, json.Unmarshal([]byte(`[{"k":{"z":1,"a":[1,2,{"q":"x"}]},"m":true},{"k":{"z":2}}]`), &doc))

	first := Flatten(doc)
	for i := 0; i < 20; i++ {
		require.Equal(t, first, Flatten(doc))
	}
	require.Equal(t, []string{"k.a", "k.a.q", "k.z", "m"}, first.Columns())
}

func TestEntryKey(t *testing.T) {
	require.Equal(t, "resource.id_12", Entry{Path: "resource.id", Row: 12}.Key())
}
