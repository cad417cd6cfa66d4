// Package sheettest writes xlsx fixtures for tests.
package sheettest

import (
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"xlwatch/internal/sheet"
)

// Write saves snap as an xlsx workbook at path. The file is written next to
// path and renamed into place, so watchers never see a half-written file.
//
// Cells carrying both a formula and a value get the value as the cached
// result; such values must be numeric.
func Write(tb testing.TB, path string, snap sheet.Snapshot) {
	tb.Helper()
	WriteAuthored(tb, path, snap, "")
}

// WriteAuthored is Write with the LastModifiedBy document property set.
func WriteAuthored(tb testing.TB, path string, snap sheet.Snapshot, author string) {
	tb.Helper()

	f := excelize.NewFile()
	defer f.Close()

	for _, name := range snap.SheetNames() {
		if name != "Sheet1" {
			if _, err := f.NewSheet(name); err != nil {
				tb.Fatalf("new sheet %q: %v", name, err)
			}
		}
		for addr, cell := range snap[name] {
			setCell(tb, f, name, addr, cell)
		}
	}
	if _, ok := snap["Sheet1"]; !ok && len(snap) > 0 {
		if err := f.DeleteSheet("Sheet1"); err != nil {
			tb.Fatalf("delete default sheet: %v", err)
		}
	}

	if author != "" {
		if err := f.SetDocProps(&excelize.DocProperties{LastModifiedBy: author}); err != nil {
			tb.Fatalf("set doc props: %v", err)
		}
	}

	// SaveAs picks the package type from the extension, so the temp file is
	// written through WriteTo instead.
	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		tb.Fatalf("create workbook: %v", err)
	}
	if _, err := f.WriteTo(out); err != nil {
		out.Close()
		tb.Fatalf("save workbook: %v", err)
	}
	if err := out.Close(); err != nil {
		tb.Fatalf("close workbook: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		tb.Fatalf("rename workbook: %v", err)
	}
}

func setCell(tb testing.TB, f *excelize.File, name, addr string, cell sheet.Cell) {
	tb.Helper()

	if cell.Formula == "" {
		if err := f.SetCellValue(name, addr, cell.Value); err != nil {
			tb.Fatalf("set %s!%s: %v", name, addr, err)
		}
		return
	}

	if cell.Value != "" {
		v, err := strconv.ParseFloat(cell.Value, 64)
		if err != nil {
			tb.Fatalf("cached value for %s!%s must be numeric, got %q", name, addr, cell.Value)
		}
		if err := f.SetCellFloat(name, addr, v, -1, 64); err != nil {
			tb.Fatalf("set %s!%s: %v", name, addr, err)
		}
	}
	if err := f.SetCellFormula(name, addr, strings.TrimPrefix(cell.Formula, "=")); err != nil {
		tb.Fatalf("set formula %s!%s: %v", name, addr, err)
	}
}
