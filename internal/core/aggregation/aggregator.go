package aggregation

import (
	"github.com/shopspring/decimal"
)

// Aggregator defines the reduce semantics of an aggregation operator.
// To add a new operator: implement this interface and register it in Operators.
type Aggregator interface {
	// Initial returns the aggregate value after the first input.
	// count → 1; sum/min/max → the incoming value itself.
	Initial(incoming decimal.Decimal) decimal.Decimal

	// Apply folds an incoming value into an existing aggregate.
	Apply(current, incoming decimal.Decimal) decimal.Decimal
}

// Operators is the registry of all single-accumulator operators.
// avg is composite (sum and count) and is handled by Reduce.
var Operators = map[string]Aggregator{
	OpCount: countAgg{},
	OpSum:   sumAgg{},
	OpMin:   minAgg{},
	OpMax:   maxAgg{},
}

// ValidOperator reports whether op is a supported reduce function.
func ValidOperator(op string) bool {
	if op == OpAvg {
		return true
	}
	_, ok := Operators[op]
	return ok
}

// Reduce folds values with op. ok is false when there is nothing to reduce or op is unknown;
// count over an empty input is zero and still ok.
func Reduce(op string, values []decimal.Decimal) (result decimal.Decimal, ok bool) {
	if op == OpAvg {
		if len(values) == 0 {
			return decimal.Zero, false
		}
		sum, _ := Reduce(OpSum, values)
		return sum.Div(decimal.NewFromInt(int64(len(values)))), true
	}
	agg, known := Operators[op]
	if !known {
		return decimal.Zero, false
	}
	if len(values) == 0 {
		if op == OpCount {
			return decimal.Zero, true
		}
		return decimal.Zero, false
	}
	result = agg.Initial(values[0])
	for _, v := range values[1:] {
		result = agg.Apply(result, v)
	}
	return result, true
}

// countAgg increments by 1 per input. The incoming value is ignored.
type countAgg struct{}

func (countAgg) Initial(_ decimal.Decimal) decimal.Decimal    { return decimal.NewFromInt(1) }
func (countAgg) Apply(cur, _ decimal.Decimal) decimal.Decimal { return cur.Add(decimal.NewFromInt(1)) }

// sumAgg accumulates the sum of incoming values.
type sumAgg struct{}

func (sumAgg) Initial(v decimal.Decimal) decimal.Decimal      { return v }
func (sumAgg) Apply(cur, inc decimal.Decimal) decimal.Decimal { return cur.Add(inc) }

// minAgg tracks the minimum value seen.
type minAgg struct{}

func (minAgg) Initial(v decimal.Decimal) decimal.Decimal { return v }
func (minAgg) Apply(cur, inc decimal.Decimal) decimal.Decimal {
	if inc.LessThan(cur) {
		return inc
	}
	return cur
}

// maxAgg tracks the maximum value seen.
type maxAgg struct{}

func (maxAgg) Initial(v decimal.Decimal) decimal.Decimal { return v }
func (maxAgg) Apply(cur, inc decimal.Decimal) decimal.Decimal {
	if inc.GreaterThan(cur) {
		return inc
	}
	return cur
}
