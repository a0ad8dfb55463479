package aggregation

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestToDecimal(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		want   decimal.Decimal
		wantOK bool
	}{
		{name: "float64", value: 12.5, want: decimal.RequireFromString("12.5"), wantOK: true},
		{name: "float32", value: float32(7.25), want: decimal.RequireFromString("7.25"), wantOK: true},
		{name: "int", value: 7, want: decimal.NewFromInt(7), wantOK: true},
		{name: "int32", value: int32(8), want: decimal.NewFromInt(8), wantOK: true},
		{name: "int64", value: int64(9), want: decimal.NewFromInt(9), wantOK: true},
		{name: "json number", value: json.Number("3.75"), want: decimal.RequireFromString("3.75"), wantOK: true},
		{name: "valid decimal string", value: "42.125", want: decimal.RequireFromString("42.125"), wantOK: true},
		{name: "invalid string", value: "not-a-number", want: decimal.Zero, wantOK: false},
		{name: "unsupported type", value: true, want: decimal.Zero, wantOK: false},
		{name: "nil", value: nil, want: decimal.Zero, wantOK: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ToDecimal(tc.value)
			require.Equal(t, tc.wantOK, ok)
			require.True(t, tc.want.Equal(got), "want=%s got=%s", tc.want.String(), got.String())
		})
	}
}

func TestRound(t *testing.T) {
	two := 2
	require.Equal(t, 3.14, Round(3.14159, &two))
	require.Equal(t, 3.14159, Round(3.14159, nil))
}
