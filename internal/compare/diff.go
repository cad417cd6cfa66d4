// Package compare diffs workbook snapshots and turns the differences into
// numbered change events.
package compare

import (
	"sort"

	"xlwatch/internal/sheet"
)

// Kind classifies a cell change.
type Kind string

const (
	KindValueChanged   Kind = "value-changed"
	KindFormulaChanged Kind = "formula-changed"
	KindAdded          Kind = "added"
	KindRemoved        Kind = "removed"
)

// SheetKind classifies a structural change.
type SheetKind string

const (
	SheetAdded   SheetKind = "sheet-added"
	SheetRemoved SheetKind = "sheet-removed"
)

// CellChange is one differing cell.
type CellChange struct {
	Sheet      string `json:"sheet"`
	Address    string `json:"address"`
	Kind       Kind   `json:"kind"`
	OldValue   string `json:"old_value,omitempty"`
	OldFormula string `json:"old_formula,omitempty"`
	NewValue   string `json:"new_value,omitempty"`
	NewFormula string `json:"new_formula,omitempty"`
}

// SheetChange marks a sheet that appeared or disappeared.
type SheetChange struct {
	Sheet string    `json:"sheet"`
	Kind  SheetKind `json:"kind"`
}

// Options controls which differences are reportable.
type Options struct {
	// FormulaOnly drops pure value changes, and added or removed cells that
	// carry no formula.
	FormulaOnly bool
}

// Diff compares old against new. Sheets are visited in name order and cells
// in row-major order. Structural sheet changes are always reported.
func Diff(old, new sheet.Snapshot, opts Options) ([]CellChange, []SheetChange) {
	var (
		cells  []CellChange
		sheets []SheetChange
	)

	for _, name := range sheetUnion(old, new) {
		o, inOld := old[name]
		n, inNew := new[name]
		switch {
		case !inOld:
			sheets = append(sheets, SheetChange{Sheet: name, Kind: SheetAdded})
		case !inNew:
			sheets = append(sheets, SheetChange{Sheet: name, Kind: SheetRemoved})
		}

		for _, addr := range sheet.SortedAddresses(o, n) {
			oc, okOld := o[addr]
			nc, okNew := n[addr]

			change := CellChange{
				Sheet:      name,
				Address:    addr,
				OldValue:   oc.Value,
				OldFormula: oc.Formula,
				NewValue:   nc.Value,
				NewFormula: nc.Formula,
			}

			switch {
			case okOld && okNew:
				if oc == nc {
					continue
				}
				if oc.Formula != nc.Formula {
					change.Kind = KindFormulaChanged
				} else {
					if opts.FormulaOnly {
						continue
					}
					change.Kind = KindValueChanged
				}
			case okNew:
				if opts.FormulaOnly && nc.Formula == "" {
					continue
				}
				change.Kind = KindAdded
			default:
				if opts.FormulaOnly && oc.Formula == "" {
					continue
				}
				change.Kind = KindRemoved
			}
			cells = append(cells, change)
		}
	}
	return cells, sheets
}

func sheetUnion(a, b sheet.Snapshot) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for name := range a {
		seen[name] = struct{}{}
	}
	for name := range b {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
