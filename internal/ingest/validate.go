package ingest

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// validateRow applies the row schema: region and country must be non-empty
// and amount must parse to a finite number. Optional fields pass through.
func validateRow(rec Record) (ValidatedRow, error) {
	region := rec.Fields["region"]
	if region == "" {
		return ValidatedRow{}, fmt.Errorf("line %d: missing region", rec.Line)
	}

	country := rec.Fields["country"]
	if country == "" {
		return ValidatedRow{}, fmt.Errorf("line %d: missing country", rec.Line)
	}

	amount, err := parseAmount(rec.Fields["amount"])
	if err != nil {
		return ValidatedRow{}, fmt.Errorf("line %d: %w", rec.Line, err)
	}

	return ValidatedRow{
		ID:       rec.Fields["id"],
		Region:   region,
		Country:  country,
		Amount:   amount,
		Date:     rec.Fields["date"],
		Category: rec.Fields["category"],
	}, nil
}

// parseAmount coerces a raw cell into a finite float. Currency symbols and
// thousands separators are stripped; accounting-style parentheses negate.
func parseAmount(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("missing amount")
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, "€", "")
	s = strings.ReplaceAll(s, "£", "")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)

	if negative {
		s = "-" + s
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite amount %q", raw)
	}
	return v, nil
}
