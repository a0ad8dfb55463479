package projection

import (
	"time"

	coreagg "github.com/aevon-lab/calcengine/internal/core/aggregation"
	"github.com/aevon-lab/calcengine/internal/core/kv"
	"github.com/shopspring/decimal"
)

// rollupTotal reduces every sample into a single value for the entire range.
func rollupTotal(samples []kv.Entry, agg string, start, end time.Time) []SeriesValue {
	return []SeriesValue{{
		WindowStart: start,
		WindowEnd:   end,
		Value:       reduce(samples, agg),
		SampleCount: int64(len(samples)),
	}}
}

// rollupBuckets groups samples into fixed windows of size bucket aligned to UTC.
// Every window between start and end is returned, empty ones included.
func rollupBuckets(samples []kv.Entry, agg string, bucket time.Duration, start, end time.Time) []SeriesValue {
	grouped := make(map[time.Time][]kv.Entry)
	for _, s := range samples {
		windowStart := time.UnixMilli(s.Ts).UTC().Truncate(bucket)
		grouped[windowStart] = append(grouped[windowStart], s)
	}

	var results []SeriesValue
	for current := start.Truncate(bucket); !current.After(end); current = current.Add(bucket) {
		window := grouped[current]
		results = append(results, SeriesValue{
			WindowStart: current,
			WindowEnd:   current.Add(bucket),
			Value:       reduce(window, agg),
			SampleCount: int64(len(window)),
		})
	}
	return results
}

// reduce applies agg to the numeric samples. count counts every sample.
func reduce(samples []kv.Entry, agg string) decimal.NullDecimal {
	if agg == coreagg.OpCount {
		return decimal.NewNullDecimal(decimal.NewFromInt(int64(len(samples))))
	}
	values := make([]decimal.Decimal, 0, len(samples))
	for _, s := range samples {
		if d, ok := coreagg.ToDecimal(kv.Normalize(s.Value)); ok {
			values = append(values, d)
		}
	}
	result, ok := coreagg.Reduce(agg, values)
	if !ok {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(result)
}
