package aggregation

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// ToDecimal converts a telemetry value to an exact decimal.
// JSON numbers arrive as float64; NewFromFloat gives the shortest exact representation.
func ToDecimal(v any) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case float64:
		return decimal.NewFromFloat(val), true
	case float32:
		return decimal.NewFromFloat(float64(val)), true
	case int:
		return decimal.NewFromInt(int64(val)), true
	case int64:
		return decimal.NewFromInt(val), true
	case int32:
		return decimal.NewFromInt(int64(val)), true
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(val)
		if err == nil {
			return d, true
		}
	}
	return decimal.Zero, false
}

// Round rounds f to places decimals when places is set; otherwise f is returned unchanged.
func Round(f float64, places *int) float64 {
	if places == nil {
		return f
	}
	out, _ := decimal.NewFromFloat(f).Round(int32(*places)).Float64()
	return out
}
