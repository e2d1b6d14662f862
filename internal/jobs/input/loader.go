// Package input reads the row spreadsheet a job iterates over.
package input

import (
	"fmt"
	"strings"

	"github.com/ternarybob/crawjud/internal/models"
	"github.com/xuri/excelize/v2"
)

// Load reads the first worksheet of an xlsx file. The first non-empty row is the header;
// header names are upper-cased, cells are trimmed and rows without any value are skipped.
// Row indexes are the zero-based positions of the kept rows.
func Load(path string) ([]models.Row, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input %s: %w", path, err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, fmt.Errorf("input %s has no worksheet", path)
	}
	raw, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read input %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse converts raw worksheet rows into input rows
func Parse(raw [][]string) ([]models.Row, error) {
	var header []string
	rows := make([]models.Row, 0, len(raw))

	for _, cells := range raw {
		if isBlank(cells) {
			continue
		}
		if header == nil {
			header = make([]string, len(cells))
			for i, name := range cells {
				header[i] = strings.ToUpper(strings.TrimSpace(name))
			}
			continue
		}

		values := make(map[string]string, len(header))
		for i, name := range header {
			if name == "" {
				continue
			}
			if i < len(cells) {
				values[name] = strings.TrimSpace(cells[i])
			} else {
				values[name] = ""
			}
		}
		rows = append(rows, models.Row{Index: len(rows), Values: values})
	}

	if header == nil {
		return nil, fmt.Errorf("input has no header row")
	}
	return rows, nil
}

// Write stores rows as an xlsx workbook with the given header. Used to prepare inputs.
func Write(path string, header []string, rows [][]string) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	all := append([][]string{header}, rows...)
	for i, values := range all {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		cells := make([]interface{}, len(values))
		for j, v := range values {
			cells[j] = v
		}
		if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
			return fmt.Errorf("failed to write input row %d: %w", i+1, err)
		}
	}
	return f.SaveAs(path)
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
