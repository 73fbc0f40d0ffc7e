package usdc

import (
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1.00", 1_000_000},
		{"0.50", 500_000},
		{"100", 100_000_000},
		{"0.000001", 1},
		{"1.5", 1_500_000},
		{"1.123456", 1_123_456},
		{"1.1234567890", 1_123_456},
		{"007.50", 7_500_000},
		{".50", 500_000},
		{"5.", 5_000_000},
		{" 2.5 ", 2_500_000},
		{"", 0},
		{"0.000000", 0},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := Parse(tt.input)
			require.True(t, ok)
			assert.Equal(t, tt.want, got.Int64())
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"-1.00", "-0", "+1", "abc", "1.2.3", "12abc", "1e6", ".", "1,000"} {
		t.Run(in, func(t *testing.T) {
			_, ok := Parse(in)
			assert.False(t, ok)
		})
	}
}

func TestParse_BeyondInt64(t *testing.T) {
	got, ok := Parse("99999999999999.999999")
	require.True(t, ok)
	want, _ := new(big.Int).SetString("99999999999999999999", 10)
	assert.Zero(t, got.Cmp(want))
}

func TestFromFloat(t *testing.T) {
	tests := []struct {
		in   float64
		want int64
	}{
		{0, 0},
		{100, 100_000_000},
		{0.1, 100_000},
		{0.1 + 0.2, 300_000},
		{33.3333333, 33_333_333},
	}
	for _, tt := range tests {
		got, err := FromFloat(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got.Int64(), "FromFloat(%v)", tt.in)
	}

	_, err := FromFloat(-1)
	assert.ErrorIs(t, err, ErrNegativeAmount)
	_, err = FromFloat(math.NaN())
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = FromFloat(math.Inf(1))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestFormatAndCompact(t *testing.T) {
	tests := []struct {
		units   int64
		format  string
		compact string
	}{
		{0, "0.000000", "0"},
		{1, "0.000001", "0.000001"},
		{1_500_000, "1.500000", "1.5"},
		{100_000_000, "100.000000", "100"},
		{-2_250_000, "-2.250000", "-2.25"},
	}
	for _, tt := range tests {
		v := big.NewInt(tt.units)
		assert.Equal(t, tt.format, Format(v))
		assert.Equal(t, tt.compact, Compact(v))
	}
	assert.Equal(t, "0.000000", Format(nil))
}

func TestToFloat(t *testing.T) {
	assert.InDelta(t, 1.5, ToFloat(big.NewInt(1_500_000)), 1e-12)
	assert.Zero(t, ToFloat(nil))
}

func TestAdd(t *testing.T) {
	a := MustParse("180")
	b := MustParse("30")
	sum := Add(a, b)
	assert.Equal(t, "210", Compact(sum))
	assert.Equal(t, "180", Compact(a), "operands must not be mutated")
	assert.Equal(t, "30", Compact(Add(nil, b)))
}

func TestMustParse_Panics(t *testing.T) {
	assert.Panics(t, func() { MustParse("x") })
}
