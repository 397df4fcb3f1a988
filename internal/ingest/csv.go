package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"strings"
)

// parseCSV reads delimited text into records. The reader is configured to
// tolerate quoted fields containing delimiters or newlines and ragged rows:
// missing trailing fields default to empty, extra fields are ignored.
func parseCSV(buf []byte, maxRows int) ([]Record, error) {
	r := csv.NewReader(bytes.NewReader(buf))
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	headerRow, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyInput
		}
		return nil, &ParseError{Kind: KindCSV, Err: err}
	}

	header := sanitizeHeader(headerRow)

	var records []Record
	line := 0
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &ParseError{Kind: KindCSV, Err: err}
		}
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

// sanitizeHeader normalizes raw header cells into field names:
// lower-cased, trimmed, stripped of BOM, quotes and formula prefixes.
func sanitizeHeader(raw []string) []string {
	names := make([]string, len(raw))
	for i, h := range raw {
		h = strings.TrimPrefix(h, "\ufeff")
		h = strings.ReplaceAll(h, `"`, "")
		h = strings.TrimPrefix(h, "=")
		h = strings.TrimSpace(h)
		names[i] = strings.ToLower(h)
	}
	return names
}

// makeRecord maps a raw row onto the header. Fields beyond the header are
// ignored; fields the row lacks stay as empty strings.
func makeRecord(header, row []string, line int) Record {
	fields := make(map[string]string, len(header))
	for i, name := range header {
		if name == "" {
			continue
		}
		if i < len(row) {
			fields[name] = strings.TrimSpace(row[i])
		} else {
			fields[name] = ""
		}
	}
	return Record{Fields: fields, Line: line}
}

func emptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
