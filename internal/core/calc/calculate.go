package calc

import (
	"context"
	"fmt"
	"sort"

	"github.com/aevon-lab/calcengine/internal/core/aggregation"
	enginerr "github.com/aevon-lab/calcengine/internal/core/errors"
	"github.com/aevon-lab/calcengine/internal/core/field"
	"github.com/aevon-lab/calcengine/internal/core/kv"
	"github.com/aevon-lab/calcengine/internal/core/state"
	"github.com/expr-lang/expr"
	"github.com/shopspring/decimal"
)

// Calculate runs the field over a ready state.
// The evaluation runs on its own goroutine so a runaway expression cannot hold the
// caller past the timeout; such a goroutine is abandoned and finishes on its own.
func (c *Context) Calculate(ctx context.Context, st *state.State) (Result, error) {
	if !c.initialized {
		return Result{}, fmt.Errorf("calculated field %s is not initialized", c.Field.ID)
	}

	inputs := st.Inputs()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("calculation panicked: %v", r)}
			}
		}()
		res, err := c.evaluate(inputs)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return Result{}, enginerr.ErrCalculationTimeout
	}
}

func (c *Context) evaluate(inputs map[string]any) (Result, error) {
	res := Result{Type: c.Field.Output.Type, Scope: c.Field.Output.Scope}
	switch c.Field.Type {
	case field.Simple:
		out, err := expr.Run(c.program, inputs)
		if err != nil {
			return Result{}, fmt.Errorf("evaluate expression: %w", err)
		}
		v, ok := kv.Numeric(out)
		if !ok {
			return Result{}, fmt.Errorf("expression result %v is not numeric", out)
		}
		res.Payload = map[string]any{c.Field.Output.Name: aggregation.Round(v, c.Field.Output.Decimals)}
	case field.Script:
		out, err := expr.Run(c.program, inputs)
		if err != nil {
			return Result{}, fmt.Errorf("evaluate script: %w", err)
		}
		switch p := out.(type) {
		case map[string]any:
			res.Payload = p
		case []any:
			res.Payload = p
		case nil:
		default:
			return Result{}, fmt.Errorf("script must return an object or an array, got %T", out)
		}
	case field.Aggregation:
		res.Payload = c.aggregate(inputs)
	default:
		return Result{}, fmt.Errorf("unsupported calculated field type %q", c.Field.Type)
	}
	return res, nil
}

func (c *Context) aggregate(inputs map[string]any) map[string]any {
	bySource := make(map[string][]decimal.Decimal)
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		arg, _, ok := state.SplitSourceKey(name)
		if !ok {
			continue
		}
		if d, ok := aggregation.ToDecimal(inputs[name]); ok {
			bySource[arg] = append(bySource[arg], d)
		}
	}

	out := make(map[string]any, len(c.Field.Metrics))
	for name, m := range c.Field.Metrics {
		v, ok := aggregation.Reduce(m.Function, bySource[m.Input])
		if !ok {
			continue
		}
		f, _ := v.Float64()
		out[name] = aggregation.Round(f, c.Field.Output.Decimals)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
