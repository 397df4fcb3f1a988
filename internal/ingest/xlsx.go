package ingest

import (
	"bytes"

	"github.com/xuri/excelize/v2"
)

// parseXLSX reads the first sheet of a spreadsheet container into records.
// A container that cannot be opened is a structural ParseError; an empty
// sheet is ErrEmptyInput.
func parseXLSX(buf []byte, maxRows int) ([]Record, error) {
	f, err := excelize.OpenReader(bytes.NewReader(buf))
	if err != nil {
		return nil, &ParseError{Kind: KindXLSX, Err: err}
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyInput
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, &ParseError{Kind: KindXLSX, Err: err}
	}
	if len(rows) == 0 {
		return nil, ErrEmptyInput
	}

	header := sanitizeHeader(rows[0])

	var records []Record
	line := 0
	for _, row := range rows[1:] {
		line++
		if emptyRow(row) {
			continue
		}
		if len(records) >= maxRows {
			return nil, ErrTooManyRows
		}
		records = append(records, makeRecord(header, row, line))
	}

	return records, nil
}
