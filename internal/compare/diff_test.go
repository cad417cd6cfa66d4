package compare

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xlwatch/internal/sheet"
)

func TestDiffNoChange(t *testing.T) {
	snap := sheet.Snapshot{"Sheet1": {"A1": {Value: "1"}, "B1": {Formula: "=A1*2", Value: "2"}}}

	for _, formulaOnly := range []bool{false, true} {
		cells, sheets := Diff(snap, snap.Clone(), Options{FormulaOnly: formulaOnly})
		assert.Empty(t, cells)
		assert.Empty(t, sheets)
	}
}

func TestDiffKinds(t *testing.T) {
	old := sheet.Snapshot{"Sheet1": {
		"A1": {Value: "1"},
		"A2": {Value: "2", Formula: "=1+1"},
		"A3": {Value: "gone"},
		"A4": {Value: "4", Formula: "=2*2"},
	}}
	new := sheet.Snapshot{"Sheet1": {
		"A1": {Value: "10"},
		"A2": {Value: "2", Formula: "=2"},
		"A4": {Value: "8", Formula: "=2*2"},
		"A5": {Value: "new"},
	}}

	cells, sheets := Diff(old, new, Options{})
	assert.Empty(t, sheets)
	require.Len(t, cells, 5)

	want := []struct {
		addr string
		kind Kind
	}{
		{"A1", KindValueChanged},
		{"A2", KindFormulaChanged},
		{"A3", KindRemoved},
		{"A4", KindValueChanged},
		{"A5", KindAdded},
	}
	for i, w := range want {
		assert.Equal(t, w.addr, cells[i].Address)
		assert.Equal(t, w.kind, cells[i].Kind, "cell %s", w.addr)
		assert.Equal(t, "Sheet1", cells[i].Sheet)
	}

	assert.Equal(t, "1", cells[0].OldValue)
	assert.Equal(t, "10", cells[0].NewValue)
	assert.Equal(t, "=1+1", cells[1].OldFormula)
	assert.Equal(t, "=2", cells[1].NewFormula)
}

func TestDiffFormulaOnly(t *testing.T) {
	old := sheet.Snapshot{"Sheet1": {
		"A1": {Value: "2", Formula: "=1+1"},
		"B1": {Value: "plain"},
		"C1": {Value: "3", Formula: "=1+2"},
		"D1": {Value: "x"},
	}}
	new := sheet.Snapshot{"Sheet1": {
		"A1": {Value: "5", Formula: "=1+1"},
		"B1": {Value: "edited"},
		"C1": {Value: "3", Formula: "=3"},
		"E1": {Value: "y"},
		"F1": {Formula: "=E1"},
	}}

	cells, _ := Diff(old, new, Options{FormulaOnly: true})
	require.Len(t, cells, 2)
	assert.Equal(t, "C1", cells[0].Address)
	assert.Equal(t, KindFormulaChanged, cells[0].Kind)
	assert.Equal(t, "F1", cells[1].Address)
	assert.Equal(t, KindAdded, cells[1].Kind)
}

func TestDiffFormulaChangeSameValue(t *testing.T) {
	old := sheet.Snapshot{"Sheet1": {"A1": {Value: "4", Formula: "=2*2"}}}
	new := sheet.Snapshot{"Sheet1": {"A1": {Value: "4", Formula: "=2+2"}}}

	cells, _ := Diff(old, new, Options{FormulaOnly: true})
	require.Len(t, cells, 1)
	assert.Equal(t, KindFormulaChanged, cells[0].Kind)
}

func TestDiffStructural(t *testing.T) {
	old := sheet.Snapshot{
		"Keep":   {"A1": {Value: "k"}},
		"Old":    {"A1": {Value: "o"}, "B1": {Formula: "=A1"}},
		"Empty1": {},
	}
	new := sheet.Snapshot{
		"Keep": {"A1": {Value: "k"}},
		"New":  {"A1": {Value: "n"}},
	}

	cells, sheets := Diff(old, new, Options{})
	assert.Equal(t, []SheetChange{
		{Sheet: "Empty1", Kind: SheetRemoved},
		{Sheet: "New", Kind: SheetAdded},
		{Sheet: "Old", Kind: SheetRemoved},
	}, sheets)
	require.Len(t, cells, 3)
	assert.Equal(t, CellChange{Sheet: "New", Address: "A1", Kind: KindAdded, NewValue: "n"}, cells[0])
	assert.Equal(t, KindRemoved, cells[1].Kind)
	assert.Equal(t, KindRemoved, cells[2].Kind)

	// Formula-only keeps the sheet markers and formula cells.
	cells, sheets = Diff(old, new, Options{FormulaOnly: true})
	assert.Len(t, sheets, 3)
	require.Len(t, cells, 1)
	assert.Equal(t, "B1", cells[0].Address)
}

func TestDiffAgainstNil(t *testing.T) {
	new := sheet.Snapshot{"Sheet1": {"A1": {Formula: "=1+1"}}}

	cells, sheets := Diff(nil, new, Options{})
	assert.Equal(t, []SheetChange{{Sheet: "Sheet1", Kind: SheetAdded}}, sheets)
	require.Len(t, cells, 1)
	assert.Equal(t, KindAdded, cells[0].Kind)
	assert.Equal(t, "A1", cells[0].Address)
}

func TestDiffOrdering(t *testing.T) {
	new := sheet.Snapshot{"S": {"B2": {Value: "1"}, "A10": {Value: "1"}, "A2": {Value: "1"}, "C1": {Value: "1"}}}
	cells, _ := Diff(sheet.Snapshot{"S": {}}, new, Options{})

	var addrs []string
	for _, c := range cells {
		addrs = append(addrs, c.Address)
	}
	assert.Equal(t, []string{"C1", "A2", "B2", "A10"}, addrs)
}
