package sink

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/crawjud/internal/models"
	"github.com/xuri/excelize/v2"
)

// XLSXWriter merges records into one workbook per worksheet named by the job's output
// template. Writes to the same file are serialized, so one writer can back several sinks.
type XLSXWriter struct {
	dir    string
	config *models.JobConfig
	mu     sync.Mutex
}

// NewXLSXWriter creates a writer placing files under dir
func NewXLSXWriter(dir string, config *models.JobConfig) *XLSXWriter {
	return &XLSXWriter{dir: dir, config: config}
}

// Path returns the file a worksheet is written to
func (w *XLSXWriter) Path(worksheet string) string {
	return filepath.Join(w.dir, w.config.OutputName(worksheet))
}

// Merge appends records to the worksheet file: the file is created when missing, otherwise
// its rows are read back and the new rows appended after them. The header is the existing
// header followed by any new keys in first-seen order. Rows are never de-duplicated.
func (w *XLSXWriter) Merge(worksheet string, records []models.ResultRecord) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := w.Path(worksheet)
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return path, fmt.Errorf("failed to create output directory: %w", err)
	}

	f, existing, err := openWorkbook(path, worksheet)
	if err != nil {
		return path, err
	}
	defer f.Close()

	var header []string
	if len(existing) > 0 {
		header = append(header, existing[0]...)
	}
	columns := make(map[string]int, len(header))
	for i, key := range header {
		columns[key] = i
	}
	for _, rec := range records {
		for _, field := range rec.Fields {
			if _, ok := columns[field.Key]; !ok {
				columns[field.Key] = len(header)
				header = append(header, field.Key)
			}
		}
	}

	if err := setRow(f, worksheet, 1, toCells(header)); err != nil {
		return path, err
	}

	next := len(existing) + 1
	if next < 2 {
		next = 2
	}
	for _, rec := range records {
		cells := make([]interface{}, len(header))
		for i := range cells {
			cells[i] = ""
		}
		last := -1
		for _, field := range rec.Fields {
			i := columns[field.Key]
			cells[i] = field.Value
			if field.Value != "" && i > last {
				last = i
			}
		}
		// trailing blanks are not written
		if err := setRow(f, worksheet, next, cells[:last+1]); err != nil {
			return path, err
		}
		next++
	}

	if err := save(f, w.dir, path); err != nil {
		return path, err
	}
	return path, nil
}

// ReadRows returns every row of a worksheet file, header first
func ReadRows(path, worksheet string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.GetRows(worksheet)
}

// save writes the workbook next to path and renames it into place, so a reader never sees
// a half written file
func save(f *excelize.File, dir, path string) error {
	tmp, err := os.CreateTemp(dir, ".merge-*.xlsx")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", filepath.Base(path), err)
	}
	defer os.Remove(tmp.Name())

	if _, err := f.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to save %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to save %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

func openWorkbook(path, worksheet string) (*excelize.File, [][]string, error) {
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		f := excelize.NewFile()
		if err := f.SetSheetName(f.GetSheetName(0), worksheet); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to name worksheet %s: %w", worksheet, err)
		}
		return f, nil, nil
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if idx, _ := f.GetSheetIndex(worksheet); idx < 0 {
		if _, err := f.NewSheet(worksheet); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to add worksheet %s: %w", worksheet, err)
		}
		return f, nil, nil
	}
	rows, err := f.GetRows(worksheet)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return f, rows, nil
}

func setRow(f *excelize.File, worksheet string, row int, cells []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(worksheet, cell, &cells); err != nil {
		return fmt.Errorf("failed to write row %d of %s: %w", row, worksheet, err)
	}
	return nil
}

func toCells(values []string) []interface{} {
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	return cells
}
