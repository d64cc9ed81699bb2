package tradingutils

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRoundToTick(t *testing.T) {
	cases := []struct {
		price, tick, want string
	}{
		{"19999.994", "0.01", "19999.99"},
		{"19999.995", "0.01", "19999.99"}, // exactly half rounds down
		{"19999.996", "0.01", "20000"},
		{"123.45", "0", "123.45"},
		{"100.3", "0.5", "100.5"},
	}
	for _, tc := range cases {
		got := RoundToTick(d(tc.price), d(tc.tick))
		assert.True(t, got.Equal(d(tc.want)), "%s @ tick %s: got %s want %s", tc.price, tc.tick, got, tc.want)
	}
}

func TestFloorToStep(t *testing.T) {
	assert.True(t, FloorToStep(d("0.0599"), d("0.001")).Equal(d("0.059")))
	assert.True(t, FloorToStep(d("5"), d("0")).Equal(d("5")))
	assert.True(t, FloorToStep(d("0.0009"), d("0.001")).IsZero())
}

func TestPercentOf(t *testing.T) {
	assert.True(t, PercentOf(d("20000"), d("-3")).Equal(d("19400")))
	assert.True(t, PercentOf(d("2000"), d("2")).Equal(d("2040")))
}

func TestSignedChangePercent(t *testing.T) {
	assert.True(t, SignedChangePercent(d("19000"), d("20000")).Equal(d("-5")))
	assert.True(t, SignedChangePercent(d("21000"), d("20000")).Equal(d("5")))
	assert.True(t, SignedChangePercent(d("1"), d("0")).IsZero())
}

func TestAbsSlippagePercent(t *testing.T) {
	assert.True(t, AbsSlippagePercent(d("20200"), d("20000")).Equal(d("1")))
	assert.True(t, AbsSlippagePercent(d("19800"), d("20000")).Equal(d("1")))
}

func TestWeightedAverage(t *testing.T) {
	avg := WeightedAverage(
		[]decimal.Decimal{d("0.03"), d("0.02")},
		[]decimal.Decimal{d("20000"), d("19400")},
	)
	assert.True(t, avg.Equal(d("19760")), avg.String())

	assert.True(t, WeightedAverage(nil, nil).IsZero())
}
