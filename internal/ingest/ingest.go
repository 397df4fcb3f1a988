// Package ingest implements the tabular file processing pipeline:
// raw bytes are parsed into field-keyed records, validated row by row,
// and reduced into per-region summaries with per-stage timings.
package ingest

import (
	"errors"
	"fmt"
)

// Kind identifies the format of an input buffer.
type Kind string

const (
	KindCSV     Kind = "csv"
	KindXLSX    Kind = "xlsx"
	KindUnknown Kind = ""
)

var (
	// ErrEmptyInput is returned when the buffer yields no usable rows.
	ErrEmptyInput = errors.New("empty input")

	// ErrUnsupportedType is returned for a file kind the pipeline cannot handle.
	ErrUnsupportedType = errors.New("unsupported file type")

	// ErrFileTooLarge is returned when the buffer exceeds the configured cap.
	ErrFileTooLarge = errors.New("file exceeds maximum size")

	// ErrTooManyRows is returned when the row count exceeds the configured cap.
	ErrTooManyRows = errors.New("file exceeds maximum row count")
)

// ParseError wraps a structural parse failure (e.g. a corrupt spreadsheet
// container). It is fatal to the request; row-level problems never produce it.
type ParseError struct {
	Kind Kind
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s input: %v", e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Record is one parsed input row: sanitized field name to raw cell value.
type Record struct {
	Fields map[string]string
	Line   int // 1-based data row number, for error reporting
}

// ValidatedRow is a record that passed schema validation.
// Region and Country are non-empty; Amount is always finite.
type ValidatedRow struct {
	ID       string
	Region   string
	Country  string
	Amount   float64
	Date     string
	Category string
}

// RegionSummary aggregates the validated rows of one (region, country) pair.
// AmountAvg == round2(AmountSum / Count) by construction.
type RegionSummary struct {
	Region    string  `json:"region"`
	Country   string  `json:"country"`
	Count     int     `json:"count"`
	AmountSum float64 `json:"amountSum"`
	AmountAvg float64 `json:"amountAvg"`
}

// StageStats records wall-clock durations of the pipeline phases.
type StageStats struct {
	ParseDurationMs     int64 `json:"parseDurationMs"`
	ValidateDurationMs  int64 `json:"validateDurationMs"`
	AggregateDurationMs int64 `json:"aggregateDurationMs"`
	TotalDurationMs     int64 `json:"totalDurationMs"`
}

// RowError describes one rejected row. Only a bounded sample of these
// is kept per run; ErrorCount carries the full total.
type RowError struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// ProcessingResult is the outcome of one pipeline run.
// RowCount == SuccessCount + ErrorCount always holds.
type ProcessingResult struct {
	RowCount     int             `json:"rowCount"`
	SuccessCount int             `json:"successCount"`
	ErrorCount   int             `json:"errorCount"`
	Summaries    []RegionSummary `json:"summaries"`
	RowErrors    []RowError      `json:"rowErrors,omitempty"`
	Stats        StageStats      `json:"stats"`
}
