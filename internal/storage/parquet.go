package storage

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/datalith/tabular-ingest/internal/ingest"
)

// summaryRow is the parquet schema for one aggregated group.
type summaryRow struct {
	Region    string  `parquet:"region"`
	Country   string  `parquet:"country"`
	Count     int64   `parquet:"count"`
	AmountSum float64 `parquet:"amount_sum"`
	AmountAvg float64 `parquet:"amount_avg"`
}

// EncodeSummaries renders region summaries as a snappy-compressed
// parquet file.
func EncodeSummaries(summaries []ingest.RegionSummary) ([]byte, error) {
	rows := make([]summaryRow, len(summaries))
	for i, s := range summaries {
		rows[i] = summaryRow{
			Region:    s.Region,
			Country:   s.Country,
			Count:     int64(s.Count),
			AmountSum: s.AmountSum,
			AmountAvg: s.AmountAvg,
		}
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[summaryRow](&buf, parquet.Compression(&parquet.Snappy))
	if len(rows) > 0 {
		if _, err := w.Write(rows); err != nil {
			return nil, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSummaries reads a parquet summary file back into memory.
func DecodeSummaries(data []byte) ([]ingest.RegionSummary, error) {
	rows, err := parquet.Read[summaryRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}

	out := make([]ingest.RegionSummary, len(rows))
	for i, r := range rows {
		out[i] = ingest.RegionSummary{
			Region:    r.Region,
			Country:   r.Country,
			Count:     int(r.Count),
			AmountSum: r.AmountSum,
			AmountAvg: r.AmountAvg,
		}
	}
	return out, nil
}
