package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/datalith/tabular-ingest/internal/config"
	"github.com/datalith/tabular-ingest/internal/logging"
	"github.com/datalith/tabular-ingest/internal/metrics"
)

// maxRowErrorSamples caps the per-run sample of rejected rows carried in
// the result; ErrorCount still counts every rejection.
const maxRowErrorSamples = 100

// Processor runs the parse -> validate -> aggregate pipeline. It holds no
// per-call state, so one Processor serves concurrent requests.
type Processor struct {
	maxFileBytes int64
	maxRows      int
	log          *slog.Logger
}

// NewProcessor creates a pipeline processor with the configured guards.
func NewProcessor(cfg config.PipelineConfig) *Processor {
	return &Processor{
		maxFileBytes: cfg.MaxFileBytes,
		maxRows:      cfg.MaxRows,
		log:          logging.Component("pipeline"),
	}
}

// Process parses, validates and aggregates one input buffer. The declared
// kind wins over content detection when both disagree; pass KindUnknown to
// use detection alone. Row-level validation failures are counted, never
// fatal; only structural problems return an error.
func (p *Processor) Process(buf []byte, declared Kind) (*ProcessingResult, error) {
	total := time.Now()

	if len(bytes.TrimSpace(buf)) == 0 {
		return nil, ErrEmptyInput
	}
	if int64(len(buf)) > p.maxFileBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFileTooLarge, len(buf), p.maxFileBytes)
	}

	if isCompressed(buf) {
		expanded, err := decompress(buf, p.maxFileBytes)
		if err != nil {
			if errors.Is(err, ErrFileTooLarge) {
				return nil, err
			}
			return nil, &ParseError{Kind: declared, Err: err}
		}
		buf = expanded
	}

	kind, err := resolveKind(buf, declared, p.log)
	if err != nil {
		return nil, err
	}

	// Parse stage
	parseStart := time.Now()
	records, err := p.parse(buf, kind)
	if err != nil {
		return nil, err
	}
	parseDur := time.Since(parseStart)

	if len(records) == 0 {
		return nil, ErrEmptyInput
	}

	// Validate stage
	validateStart := time.Now()
	validated := make([]ValidatedRow, 0, len(records))
	errorCount := 0
	var rowErrors []RowError
	for _, rec := range records {
		row, err := validateRow(rec)
		if err != nil {
			errorCount++
			if len(rowErrors) < maxRowErrorSamples {
				rowErrors = append(rowErrors, RowError{Line: rec.Line, Message: err.Error()})
			}
			if errorCount <= 5 {
				p.log.Debug("row rejected", "error", err)
			}
			continue
		}
		validated = append(validated, row)
	}
	validateDur := time.Since(validateStart)

	// Aggregate stage
	aggregateStart := time.Now()
	summaries := aggregate(validated)
	aggregateDur := time.Since(aggregateStart)

	result := &ProcessingResult{
		RowCount:     len(records),
		SuccessCount: len(validated),
		ErrorCount:   errorCount,
		Summaries:    summaries,
		RowErrors:    rowErrors,
		Stats: StageStats{
			ParseDurationMs:     parseDur.Milliseconds(),
			ValidateDurationMs:  validateDur.Milliseconds(),
			AggregateDurationMs: aggregateDur.Milliseconds(),
			TotalDurationMs:     time.Since(total).Milliseconds(),
		},
	}

	p.log.Info("processed buffer",
		"kind", string(kind),
		"rows", result.RowCount,
		"errors", result.ErrorCount,
		"groups", len(result.Summaries),
		"duration_ms", result.Stats.TotalDurationMs,
	)

	if m := metrics.Get(); m != nil {
		m.ObserveFileBytes(float64(len(buf)))
		m.AddRowsProcessed(string(kind), float64(result.RowCount))
		m.AddRowErrors(float64(errorCount))
		m.ObserveStageDuration("parse", parseDur.Seconds())
		m.ObserveStageDuration("validate", validateDur.Seconds())
		m.ObserveStageDuration("aggregate", aggregateDur.Seconds())
	}

	return result, nil
}

func (p *Processor) parse(buf []byte, kind Kind) ([]Record, error) {
	switch kind {
	case KindCSV:
		return parseCSV(buf, p.maxRows)
	case KindXLSX:
		return parseXLSX(buf, p.maxRows)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, kind)
	}
}

// resolveKind reconciles the declared kind with content detection.
func resolveKind(buf []byte, declared Kind, log *slog.Logger) (Kind, error) {
	detected := DetectKind(buf)

	switch declared {
	case KindUnknown:
		return detected, nil
	case KindCSV, KindXLSX:
		if declared != detected {
			log.Debug("declared kind disagrees with detection",
				"declared", string(declared), "detected", string(detected))
		}
		return declared, nil
	default:
		return KindUnknown, fmt.Errorf("%w: %q", ErrUnsupportedType, declared)
	}
}
