package sheet

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"golang.org/x/crypto/blake2b"
)

// Errors
var (
	// ErrTransientIO marks a file that could not be read right now (locked,
	// mid-copy, permission flapping). Callers retry it.
	ErrTransientIO = errors.New("sheet: file temporarily unavailable")

	// ErrParse marks content that excelize could not open. A partially
	// written workbook also lands here, so callers retry it a bounded
	// number of times.
	ErrParse = errors.New("sheet: cannot parse workbook")

	// ErrTooLarge is returned for files above the configured size limit.
	ErrTooLarge = errors.New("sheet: file exceeds maximum size")
)

// DefaultMaxScanCells bounds the formula scan area of a single sheet.
const DefaultMaxScanCells = 2_000_000

// Workbook is a parsed spreadsheet file.
type Workbook struct {
	Path           string
	Snapshot       Snapshot
	ContentHash    string
	Size           int64
	ModTime        time.Time
	LastModifiedBy string
}

// Reader loads workbooks from disk.
type Reader struct {
	// CacheDir, when set, receives a copy of each file before it is parsed
	// so the original is held open only for the duration of the copy.
	CacheDir string

	// MaxFileSize rejects larger files with ErrTooLarge. Zero disables.
	MaxFileSize int64

	// MaxScanCells bounds the per-sheet formula scan. Zero uses
	// DefaultMaxScanCells.
	MaxScanCells int
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientIO) || errors.Is(err, ErrParse)
}

// Load reads and parses the workbook at path.
func (r *Reader) Load(path string) (*Workbook, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, classifyIO("stat", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrParse, path)
	}
	if r.MaxFileSize > 0 && info.Size() > r.MaxFileSize {
		return nil, fmt.Errorf("%w: %s (%d bytes)", ErrTooLarge, path, info.Size())
	}

	data, err := r.readBytes(path)
	if err != nil {
		return nil, err
	}

	wb, err := parse(data, r.maxScan())
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	wb.Path = path
	wb.Size = int64(len(data))
	wb.ModTime = info.ModTime()
	return wb, nil
}

// Parse parses an in-memory workbook.
func Parse(data []byte) (*Workbook, error) {
	return parse(data, DefaultMaxScanCells)
}

func (r *Reader) maxScan() int {
	if r.MaxScanCells > 0 {
		return r.MaxScanCells
	}
	return DefaultMaxScanCells
}

// readBytes reads the file directly or through the local cache copy.
func (r *Reader) readBytes(path string) ([]byte, error) {
	if r.CacheDir == "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, classifyIO("read", path, err)
		}
		return data, nil
	}

	if err := os.MkdirAll(r.CacheDir, 0700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	cachePath := filepath.Join(r.CacheDir, HashBytes([]byte(path))[:24]+filepath.Ext(path))
	if err := copyFile(path, cachePath); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(cachePath)
	if err != nil {
		return nil, fmt.Errorf("read cache copy: %w", err)
	}
	return data, nil
}

// copyFile copies src to dst through a temp file and rename.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return classifyIO("open", src, err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create cache copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return classifyIO("copy", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close cache copy: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename cache copy: %w", err)
	}
	return nil
}

// classifyIO keeps fs.ErrNotExist visible and marks everything else transient.
func classifyIO(op, path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", op, path, err)
	}
	return fmt.Errorf("%w: %s %s: %w", ErrTransientIO, op, path, err)
}

func parse(data []byte, maxScan int) (*Workbook, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	defer func() { _ = f.Close() }()

	snap := make(Snapshot)
	for _, name := range f.GetSheetList() {
		cells, err := readSheet(f, name, maxScan)
		if err != nil {
			return nil, fmt.Errorf("%w: sheet %q: %w", ErrParse, name, err)
		}
		snap[name] = cells
	}

	wb := &Workbook{
		Snapshot:    snap,
		ContentHash: HashBytes(data),
	}
	if props, err := f.GetDocProps(); err == nil && props != nil {
		wb.LastModifiedBy = strings.TrimSpace(props.LastModifiedBy)
	}
	return wb, nil
}

// readSheet collects raw values from GetRows, then scans the used area for
// formulas. Formula cells without a cached value do not show up in GetRows,
// so the scan area also covers the sheet dimension.
func readSheet(f *excelize.File, name string, maxScan int) (Sheet, error) {
	rows, err := f.GetRows(name, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, err
	}

	cells := make(Sheet)
	maxRow, maxCol := len(rows), 0
	for r, row := range rows {
		if len(row) > maxCol {
			maxCol = len(row)
		}
		for c, v := range row {
			if v == "" {
				continue
			}
			addr, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return nil, err
			}
			cells[addr] = Cell{Value: v}
		}
	}

	rowsExtent, colsExtent := maxRow, maxCol
	if dim, err := f.GetSheetDimension(name); err == nil {
		if col, row, ok := dimensionEnd(dim); ok {
			maxRow = max(maxRow, row)
			maxCol = max(maxCol, col)
		}
	}
	if maxRow*maxCol > maxScan {
		maxRow, maxCol = rowsExtent, colsExtent
	}

	for r := 1; r <= maxRow; r++ {
		for c := 1; c <= maxCol; c++ {
			addr, err := excelize.CoordinatesToCellName(c, r)
			if err != nil {
				return nil, err
			}
			formula, err := f.GetCellFormula(name, addr)
			if err != nil {
				return nil, err
			}
			if formula == "" {
				continue
			}
			cell := cells[addr]
			cell.Formula = normalizeFormula(formula)
			cells[addr] = cell
		}
	}
	return cells, nil
}

// dimensionEnd parses the bottom-right corner of a range such as "A1:D10".
func dimensionEnd(ref string) (col, row int, ok bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return 0, 0, false
	}
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		ref = ref[i+1:]
	}
	col, row, err := excelize.CellNameToCoordinates(strings.ReplaceAll(ref, "$", ""))
	if err != nil {
		return 0, 0, false
	}
	return col, row, true
}

func normalizeFormula(f string) string {
	f = strings.TrimSpace(f)
	if !strings.HasPrefix(f, "=") {
		f = "=" + f
	}
	return f
}

// HashBytes returns the hex BLAKE2b-256 digest of data.
func HashBytes(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFile computes the BLAKE2b-256 digest of a file using streaming.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, classifyIO("open", path, err)
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", 0, err
	}
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, classifyIO("read", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
