package store

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProperty_InsertIdempotent(t *testing.T) {
	// WHAT: Inserting the same price twice writes one row and reports
	// false the second time.
	// WHY: Every ingestion tick re-fetches overlapping windows.
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("second insert is a no-op", prop.ForAll(
		func(hour int, price float64) bool {
			s := openTestStore(t)
			ctx := context.Background()
			rec := PrecioBolsa{FechaHora: testNow.Add(-time.Duration(hour) * time.Hour), PrecioBolsa: price}
			first, err := s.InsertIfAbsent(ctx, rec)
			if err != nil || !first {
				return false
			}
			rec.PrecioBolsa = price + 1
			second, err := s.InsertIfAbsent(ctx, rec)
			if err != nil || second {
				return false
			}
			return countRows(t, s, TablePrecios) == 1
		},
		gen.IntRange(0, 24*365),
		gen.Float64Range(0, 2000),
	))

	properties.TestingRun(t)
}

func TestProperty_BatchCountsDistinctKeys(t *testing.T) {
	// WHAT: A batch over hour offsets with repeats inserts exactly the
	// number of distinct offsets.
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 30
	properties := gopter.NewProperties(params)

	properties.Property("inserted equals distinct keys", prop.ForAll(
		func(hours []int) bool {
			s := openTestStore(t)
			distinct := map[int]bool{}
			recs := make([]Demanda, 0, len(hours))
			for _, h := range hours {
				distinct[h] = true
				recs = append(recs, Demanda{FechaHora: testNow.Add(-time.Duration(h) * time.Hour), DemandaMW: 1})
			}
			n, err := s.InsertBatch(context.Background(), AsRecords(recs))
			if err != nil {
				return false
			}
			return n == len(distinct) && countRows(t, s, TableDemanda) == int64(len(distinct))
		},
		gen.SliceOf(gen.IntRange(0, 20)),
	))

	properties.TestingRun(t)
}
