package sheet

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func writeWorkbook(t *testing.T, path string, build func(f *excelize.File)) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	build(f)
	require.NoError(t, f.SaveAs(path))
}

func TestLoadValuesAndFormulas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.xlsx")
	writeWorkbook(t, path, func(f *excelize.File) {
		require.NoError(t, f.SetCellFormula("Sheet1", "A1", "1+1"))
		require.NoError(t, f.SetCellValue("Sheet1", "B2", "hello"))
		require.NoError(t, f.SetCellValue("Sheet1", "C3", 42))
		_, err := f.NewSheet("Data")
		require.NoError(t, err)
		require.NoError(t, f.SetCellValue("Data", "A1", "x"))
	})

	var r Reader
	wb, err := r.Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"Data", "Sheet1"}, wb.Snapshot.SheetNames())
	assert.Equal(t, "=1+1", wb.Snapshot["Sheet1"]["A1"].Formula)
	assert.Equal(t, "hello", wb.Snapshot["Sheet1"]["B2"].Value)
	assert.Equal(t, "42", wb.Snapshot["Sheet1"]["C3"].Value)
	assert.Equal(t, "x", wb.Snapshot["Data"]["A1"].Value)
	assert.NotEmpty(t, wb.ContentHash)
	assert.Equal(t, path, wb.Path)
	assert.Positive(t, wb.Size)
}

func TestLoadSameContentSameHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "book.xlsx")
	writeWorkbook(t, path, func(f *excelize.File) {
		require.NoError(t, f.SetCellValue("Sheet1", "A1", 1))
	})

	var r Reader
	first, err := r.Load(path)
	require.NoError(t, err)
	second, err := r.Load(path)
	require.NoError(t, err)

	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.True(t, first.Snapshot.Equal(second.Snapshot))
}

func TestLoadMissingFile(t *testing.T) {
	var r Reader
	_, err := r.Load(filepath.Join(t.TempDir(), "missing.xlsx"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.False(t, Retryable(err))
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.xlsx")
	require.NoError(t, os.WriteFile(path, []byte("PK\x03\x04 not really a zip"), 0600))

	var r Reader
	_, err := r.Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParse))
	assert.True(t, Retryable(err))
}

func TestLoadTooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.xlsx")
	require.NoError(t, os.WriteFile(path, make([]byte, 2048), 0600))

	r := Reader{MaxFileSize: 1024}
	_, err := r.Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooLarge))
	assert.False(t, Retryable(err))
}

func TestLoadThroughCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "book.xlsx")
	writeWorkbook(t, path, func(f *excelize.File) {
		require.NoError(t, f.SetCellValue("Sheet1", "A1", "cached"))
	})

	cacheDir := filepath.Join(dir, "cache")
	r := Reader{CacheDir: cacheDir}
	wb, err := r.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "cached", wb.Snapshot["Sheet1"]["A1"].Value)

	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDocPropsAuthor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authored.xlsx")
	writeWorkbook(t, path, func(f *excelize.File) {
		require.NoError(t, f.SetCellValue("Sheet1", "A1", 1))
		require.NoError(t, f.SetDocProps(&excelize.DocProperties{LastModifiedBy: "alice"}))
	})

	var r Reader
	wb, err := r.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", wb.LastModifiedBy)
}

func TestDimensionEnd(t *testing.T) {
	tests := []struct {
		ref      string
		col, row int
		ok       bool
	}{
		{"A1:D10", 4, 10, true},
		{"B3", 2, 3, true},
		{"$A$1:$C$2", 3, 2, true},
		{"", 0, 0, false},
		{"nonsense", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			col, row, ok := dimensionEnd(tt.ref)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.col, col)
			assert.Equal(t, tt.row, row)
		})
	}
}

func TestSortedAddresses(t *testing.T) {
	a := Sheet{"B2": {}, "A10": {}}
	b := Sheet{"A2": {}, "B2": {}, "AA1": {}}
	assert.Equal(t, []string{"AA1", "A2", "B2", "A10"}, SortedAddresses(a, b))
}

func TestSnapshotEqualAndClone(t *testing.T) {
	s := Snapshot{"Sheet1": {"A1": {Value: "1", Formula: "=1"}}}
	c := s.Clone()
	assert.True(t, s.Equal(c))

	c["Sheet1"]["A1"] = Cell{Value: "2"}
	assert.False(t, s.Equal(c))
	assert.Equal(t, "1", s["Sheet1"]["A1"].Value)
	assert.Equal(t, 1, s.CellCount())
}
