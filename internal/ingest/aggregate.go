package ingest

import (
	"math"
	"sort"
)

// aggregate reduces validated rows into one summary per (region, country)
// pair. Sums are accumulated raw and rounded once at finalization so
// per-row rounding error cannot compound. Output is ordered by region,
// then country, for deterministic results.
func aggregate(rows []ValidatedRow) []RegionSummary {
	type bucket struct {
		region  string
		country string
		count   int
		sum     float64
	}

	buckets := make(map[string]*bucket)
	for _, row := range rows {
		// Region and country are aggregation keys exactly as validated:
		// case-sensitive, no extra trimming.
		key := row.Region + "\x00" + row.Country
		b, ok := buckets[key]
		if !ok {
			b = &bucket{region: row.Region, country: row.Country}
			buckets[key] = b
		}
		b.count++
		b.sum += row.Amount
	}

	summaries := make([]RegionSummary, 0, len(buckets))
	for _, b := range buckets {
		sum := round2(b.sum)
		summaries = append(summaries, RegionSummary{
			Region:    b.region,
			Country:   b.country,
			Count:     b.count,
			AmountSum: sum,
			AmountAvg: round2(sum / float64(b.count)),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Region != summaries[j].Region {
			return summaries[i].Region < summaries[j].Region
		}
		return summaries[i].Country < summaries[j].Country
	})

	return summaries
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
