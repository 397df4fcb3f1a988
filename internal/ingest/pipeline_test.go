package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/xuri/excelize/v2"

	"github.com/datalith/tabular-ingest/internal/config"
)

func testProcessor() *Processor {
	return NewProcessor(config.PipelineConfig{
		MaxFileBytes: 1 << 20,
		MaxRows:      10000,
	})
}

func TestProcess_CSVEndToEnd(t *testing.T) {
	input := "id,region,country,amount\n1,EU,DE,100\n2,EU,DE,50\n3,,FR,30\n"

	result, err := testProcessor().Process([]byte(input), KindCSV)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if result.RowCount != 3 {
		t.Errorf("RowCount = %d, want 3", result.RowCount)
	}
	if result.SuccessCount != 2 {
		t.Errorf("SuccessCount = %d, want 2", result.SuccessCount)
	}
	if result.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", result.ErrorCount)
	}
	if len(result.Summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(result.Summaries))
	}

	want := RegionSummary{Region: "EU", Country: "DE", Count: 2, AmountSum: 150, AmountAvg: 75}
	if result.Summaries[0] != want {
		t.Errorf("summary = %+v, want %+v", result.Summaries[0], want)
	}
}

func TestProcess_EmptyBuffer(t *testing.T) {
	_, err := testProcessor().Process([]byte(""), KindCSV)
	if !errors.Is(err, ErrEmptyInput) {
		t.Errorf("expected ErrEmptyInput, got %v", err)
	}

	_, err = testProcessor().Process([]byte("   \n  "), KindCSV)
	if !errors.Is(err, ErrEmptyInput) {
		t.Errorf("whitespace-only buffer: expected ErrEmptyInput, got %v", err)
	}
}

func TestProcess_HeaderOnly(t *testing.T) {
	_, err := testProcessor().Process([]byte("id,region,country,amount\n"), KindCSV)
	if !errors.Is(err, ErrEmptyInput) {
		t.Errorf("header without data rows: expected ErrEmptyInput, got %v", err)
	}
}

func TestProcess_AllRowsInvalid(t *testing.T) {
	input := "region,country,amount\n,DE,100\nEU,,50\nEU,DE,not-a-number\n"

	result, err := testProcessor().Process([]byte(input), KindCSV)
	if err != nil {
		t.Fatalf("pipeline must complete even when every row fails: %v", err)
	}

	if result.RowCount != 3 || result.SuccessCount != 0 || result.ErrorCount != 3 {
		t.Errorf("counts = %d/%d/%d, want 3/0/3",
			result.RowCount, result.SuccessCount, result.ErrorCount)
	}
	if len(result.Summaries) != 0 {
		t.Errorf("expected zero summaries, got %d", len(result.Summaries))
	}
}

func TestProcess_RowErrorSamples(t *testing.T) {
	input := "id,region,country,amount\n1,EU,DE,100\n2,,DE,50\n3,EU,DE,bogus\n"

	result, err := testProcessor().Process([]byte(input), KindCSV)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(result.RowErrors) != 2 {
		t.Fatalf("RowErrors = %+v, want 2 samples", result.RowErrors)
	}
	if result.RowErrors[0].Line != 2 || !strings.Contains(result.RowErrors[0].Message, "missing region") {
		t.Errorf("first sample = %+v, want line 2 missing region", result.RowErrors[0])
	}
	if result.RowErrors[1].Line != 3 || !strings.Contains(result.RowErrors[1].Message, "amount") {
		t.Errorf("second sample = %+v, want line 3 amount failure", result.RowErrors[1])
	}
}

func TestProcess_RowErrorSampleBounded(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("id,region,country,amount\n")
	for i := 0; i < 150; i++ {
		fmt.Fprintf(&sb, "%d,,DE,100\n", i+1)
	}

	result, err := testProcessor().Process([]byte(sb.String()), KindCSV)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if result.ErrorCount != 150 {
		t.Errorf("ErrorCount = %d, want 150: the cap bounds the sample, not the count", result.ErrorCount)
	}
	if len(result.RowErrors) != maxRowErrorSamples {
		t.Errorf("len(RowErrors) = %d, want %d", len(result.RowErrors), maxRowErrorSamples)
	}
}

func TestProcess_QuotedFieldsAndRaggedRows(t *testing.T) {
	input := "id,region,country,amount,category\n" +
		"1,\"EU\",DE,\"1,234.50\",\"retail, online\"\n" +
		"2,EU,DE,100\n" + // missing trailing category
		"3,EU,FR,50,books,extra-ignored\n"

	result, err := testProcessor().Process([]byte(input), KindCSV)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if result.SuccessCount != 3 {
		t.Fatalf("SuccessCount = %d, want 3", result.SuccessCount)
	}

	var de *RegionSummary
	for i := range result.Summaries {
		if result.Summaries[i].Country == "DE" {
			de = &result.Summaries[i]
		}
	}
	if de == nil {
		t.Fatal("missing EU/DE summary")
	}
	if de.AmountSum != 1334.50 {
		t.Errorf("EU/DE AmountSum = %v, want 1334.50 (thousands separator stripped)", de.AmountSum)
	}
}

func TestProcess_QuotedNewline(t *testing.T) {
	input := "id,region,country,amount,category\n" +
		"1,EU,DE,10,\"line one\nline two\"\n"

	result, err := testProcessor().Process([]byte(input), KindCSV)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if result.RowCount != 1 || result.SuccessCount != 1 {
		t.Errorf("counts = %d/%d, want 1/1", result.RowCount, result.SuccessCount)
	}
}

func TestProcess_Idempotent(t *testing.T) {
	input := "id,region,country,amount\n1,EU,DE,100\n2,APAC,JP,33.333\n3,EU,DE,0.01\n"
	p := testProcessor()

	first, err := p.Process([]byte(input), KindCSV)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	second, err := p.Process([]byte(input), KindCSV)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	// Identical except for timings.
	first.Stats = StageStats{}
	second.Stats = StageStats{}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("results differ between runs:\n%+v\n%+v", first, second)
	}
}

func TestProcess_SummariesSortedByRegion(t *testing.T) {
	input := "region,country,amount\nNA,US,1\nEU,DE,1\nAPAC,JP,1\nEU,FR,1\n"

	result, err := testProcessor().Process([]byte(input), KindCSV)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	var got []string
	for _, s := range result.Summaries {
		got = append(got, s.Region+"/"+s.Country)
	}
	want := []string{"APAC/JP", "EU/DE", "EU/FR", "NA/US"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("summary order = %v, want %v", got, want)
	}
}

func TestProcess_FileTooLarge(t *testing.T) {
	p := NewProcessor(config.PipelineConfig{MaxFileBytes: 16, MaxRows: 100})

	_, err := p.Process([]byte("id,region,country,amount\n1,EU,DE,100\n"), KindCSV)
	if !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
}

func TestProcess_TooManyRows(t *testing.T) {
	p := NewProcessor(config.PipelineConfig{MaxFileBytes: 1 << 20, MaxRows: 2})

	input := "region,country,amount\nEU,DE,1\nEU,DE,2\nEU,DE,3\n"
	_, err := p.Process([]byte(input), KindCSV)
	if !errors.Is(err, ErrTooManyRows) {
		t.Errorf("expected ErrTooManyRows, got %v", err)
	}
}

func TestProcess_UnsupportedKind(t *testing.T) {
	_, err := testProcessor().Process([]byte("a,b\n1,2\n"), Kind("parquet"))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestProcess_GzipCSV(t *testing.T) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	w.Write([]byte("id,region,country,amount\n1,EU,DE,100\n"))
	w.Close()

	result, err := testProcessor().Process(buf.Bytes(), KindUnknown)
	if err != nil {
		t.Fatalf("Process failed on gzip input: %v", err)
	}
	if result.SuccessCount != 1 {
		t.Errorf("SuccessCount = %d, want 1", result.SuccessCount)
	}
}

func TestProcess_XLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	f.SetSheetRow(sheet, "A1", &[]any{"ID", "Region", "Country", "Amount"})
	f.SetSheetRow(sheet, "A2", &[]any{"1", "EU", "DE", 100})
	f.SetSheetRow(sheet, "A3", &[]any{"2", "EU", "DE", 50})

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("build xlsx fixture: %v", err)
	}

	// Detection alone should identify the zip container.
	if kind := DetectKind(buf.Bytes()); kind != KindXLSX {
		t.Errorf("DetectKind = %q, want xlsx", kind)
	}

	result, err := testProcessor().Process(buf.Bytes(), KindXLSX)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if result.SuccessCount != 2 {
		t.Errorf("SuccessCount = %d, want 2", result.SuccessCount)
	}
	if len(result.Summaries) != 1 || result.Summaries[0].AmountSum != 150 {
		t.Errorf("unexpected summaries: %+v", result.Summaries)
	}
}

func TestProcess_CorruptXLSX(t *testing.T) {
	// Valid zip magic, garbage container.
	corrupt := append([]byte{0x50, 0x4b, 0x03, 0x04}, []byte("not really a spreadsheet")...)

	_, err := testProcessor().Process(corrupt, KindXLSX)
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Errorf("expected ParseError, got %v", err)
	}
}

func TestProcess_DeclaredKindWins(t *testing.T) {
	// Plain text declared as csv while detection also says csv; declare csv
	// for an xlsx buffer and the csv parser sees binary garbage. The
	// declared kind must still be the one used.
	f := excelize.NewFile()
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("build xlsx fixture: %v", err)
	}

	_, err := testProcessor().Process(buf.Bytes(), KindCSV)
	if err == nil {
		t.Error("expected csv parser to reject zip bytes when csv is declared")
	}
}
