package market

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestUpdate_DerivesMidAndSpread(t *testing.T) {
	tbl := NewTable()
	mp, err := tbl.Update("BTCUSDT", d(100000), d(100100))
	require.NoError(t, err)

	assert.True(t, mp.Mid.Equal(d(100050)))
	assert.True(t, mp.Spread.Equal(d(100)))
	assert.True(t, mp.Volatility.Equal(d(1)))
	assert.False(t, mp.Timestamp.IsZero())

	got, err := tbl.Get("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, mp, got)
}

func TestUpdate_RejectsBadQuotes(t *testing.T) {
	tbl := NewTable()

	_, err := tbl.Update("", d(1), d(2))
	assert.ErrorIs(t, err, ErrInvalidQuote)
	_, err = tbl.Update("X", d(0), d(2))
	assert.ErrorIs(t, err, ErrInvalidQuote)
	_, err = tbl.Update("X", d(3), d(2))
	assert.ErrorIs(t, err, ErrInvalidQuote)

	_, err = tbl.Get("X")
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestUpdateFromTrade(t *testing.T) {
	tbl := NewTable()
	mp, err := tbl.UpdateFromTrade("btc", d(101000), d(100))
	require.NoError(t, err)

	assert.True(t, mp.Bid.Equal(d(100950)))
	assert.True(t, mp.Ask.Equal(d(101050)))
}

func TestVolatility_SpikesOnGap(t *testing.T) {
	tbl := NewTable()
	tbl.Update("X", d(100), d(100))
	tbl.Update("X", d(101), d(101)) // seeds the running average at 1%

	mp, _ := tbl.Update("X", d(102.01), d(102.01))
	assert.InDelta(t, 1.0, mp.Volatility.InexactFloat64(), 0.05)

	mp, _ = tbl.Update("X", d(97), d(97))
	assert.Greater(t, mp.Volatility.InexactFloat64(), 1.5)
}

func TestAll_Sorted(t *testing.T) {
	tbl := NewTable()
	tbl.Update("ETHUSDT", d(3000), d(3001))
	tbl.Update("BTCUSDT", d(100000), d(100100))

	all := tbl.All()
	require.Len(t, all, 2)
	assert.Equal(t, "BTCUSDT", all[0].Symbol)
}
