package kv

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{name: "int", in: 5, want: float64(5)},
		{name: "int64", in: int64(-3), want: float64(-3)},
		{name: "float32", in: float32(1.5), want: float64(1.5)},
		{name: "json number", in: json.Number("12.25"), want: 12.25},
		{name: "string", in: "on", want: "on"},
		{name: "bool", in: true, want: true},
		{name: "nil", in: nil, want: nil},
		{name: "object becomes json text", in: map[string]any{"a": 1}, want: `{"a":1}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Normalize(tc.in))
		})
	}
}

func TestNumeric(t *testing.T) {
	v, ok := Numeric("  42.5 ")
	require.True(t, ok)
	require.Equal(t, 42.5, v)

	v, ok = Numeric(true)
	require.True(t, ok)
	require.Equal(t, 1.0, v)

	_, ok = Numeric("warm")
	require.False(t, ok)

	_, ok = Numeric(nil)
	require.False(t, ok)
}

func TestEqual_AcrossNumericTypes(t *testing.T) {
	require.True(t, Equal(7, 7.0))
	require.True(t, Equal(int64(7), json.Number("7")))
	require.False(t, Equal("7", 7))
}

func TestParse(t *testing.T) {
	require.Equal(t, 0.0, Parse("0"))
	require.Equal(t, true, Parse("true"))
	require.Equal(t, "idle", Parse("idle"))
	require.Nil(t, Parse("  "))
}
