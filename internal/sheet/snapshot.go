// Package sheet reads spreadsheet workbooks into comparable cell snapshots.
package sheet

import (
	"sort"

	"github.com/xuri/excelize/v2"
)

// Cell is the recorded state of a single cell. Formula carries the formula
// text including the leading '=', or is empty for literal cells.
type Cell struct {
	Value   string `json:"v,omitempty"`
	Formula string `json:"f,omitempty"`
}

// Sheet maps a cell address (e.g. "B7") to its recorded state.
type Sheet map[string]Cell

// Snapshot maps a sheet name to its cells.
type Snapshot map[string]Sheet

// SheetNames returns the sheet names in sorted order.
func (s Snapshot) SheetNames() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CellCount returns the number of recorded cells across all sheets.
func (s Snapshot) CellCount() int {
	n := 0
	for _, sh := range s {
		n += len(sh)
	}
	return n
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for name, sh := range s {
		cells := make(Sheet, len(sh))
		for addr, c := range sh {
			cells[addr] = c
		}
		out[name] = cells
	}
	return out
}

// Equal reports whether both snapshots hold the same sheets and cells.
func (s Snapshot) Equal(o Snapshot) bool {
	if len(s) != len(o) {
		return false
	}
	for name, sh := range s {
		other, ok := o[name]
		if !ok || len(other) != len(sh) {
			return false
		}
		for addr, c := range sh {
			if oc, ok := other[addr]; !ok || oc != c {
				return false
			}
		}
	}
	return true
}

// SortedAddresses returns the union of cell addresses of a and b ordered by
// row, then column. Addresses that do not parse sort last, lexically.
func SortedAddresses(a, b Sheet) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	addrs := make([]string, 0, len(a)+len(b))
	for addr := range a {
		seen[addr] = struct{}{}
		addrs = append(addrs, addr)
	}
	for addr := range b {
		if _, ok := seen[addr]; !ok {
			addrs = append(addrs, addr)
		}
	}

	type coord struct{ col, row int }
	coords := make(map[string]coord, len(addrs))
	for _, addr := range addrs {
		col, row, err := excelize.CellNameToCoordinates(addr)
		if err != nil {
			col, row = -1, -1
		}
		coords[addr] = coord{col, row}
	}

	sort.Slice(addrs, func(i, j int) bool {
		ci, cj := coords[addrs[i]], coords[addrs[j]]
		if (ci.row < 0) != (cj.row < 0) {
			return cj.row < 0
		}
		if ci.row != cj.row {
			return ci.row < cj.row
		}
		if ci.col != cj.col {
			return ci.col < cj.col
		}
		return addrs[i] < addrs[j]
	})
	return addrs
}
