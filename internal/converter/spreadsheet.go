package converter

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

func convertCSV(data []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return "", fmt.Errorf("%w: csv: %v", ErrCorruptInput, err)
	}
	return pipeTable(rows), nil
}

func convertXLSX(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: xlsx: %v", ErrCorruptInput, err)
	}
	defer f.Close()

	var parts []string
	sheets := f.GetSheetList()
	for _, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("%w: xlsx sheet %s: %v", ErrCorruptInput, sheet, err)
		}
		if len(sheets) > 1 {
			parts = append(parts, formatHeading(sheet, 2))
		}
		if table := pipeTable(rows); table != "" {
			parts = append(parts, table)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}
