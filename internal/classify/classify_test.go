package classify

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whalescan/internal/market"
)

var ts = time.Date(2025, 1, 10, 15, 30, 0, 0, time.UTC)

func trade(size int64, price string, conds ...int32) market.TradePrint {
	return market.TradePrint{
		Contract:   "O:NVDA250117C00150000",
		Price:      decimal.RequireFromString(price),
		Size:       size,
		Timestamp:  ts,
		Conditions: conds,
	}
}

func TestPrintTags(t *testing.T) {
	tests := []struct {
		name string
		p    market.TradePrint
		want market.Tag
	}{
		{"whale", trade(2500, "1"), market.TagWhale},
		{"exactly 2000 is block", trade(2000, "1"), market.TagBlock},
		{"tiny", trade(3, "1"), market.TagTiny},
		{"sweep overrides block", trade(50, "1", 14), market.TagSweep},
		{"sweep overrides tiny", trade(2, "1", 12, 14), market.TagSweep},
		{"block", trade(50, "1"), market.TagBlock},
		{"other conditions are ignored", trade(50, "1", 209, 12), market.TagBlock},
		{"whale is checked before sweep", trade(2500, "1", 14), market.TagWhale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := Print(tt.p, decimal.Zero)
			require.True(t, ok)
			assert.Equal(t, tt.want, r.Tag)
		})
	}
}

func TestPrintThreshold(t *testing.T) {
	_, ok := Print(trade(10, "10"), decimal.NewFromInt(50_000))
	assert.False(t, ok, "10 lots at $10 is $10,000")

	r, ok := Print(trade(600, "10"), decimal.NewFromInt(50_000))
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(60_000).Equal(r.Notional))
	assert.Equal(t, market.TagBlock, r.Tag)
	assert.Equal(t, "NVDA", r.Underlying)
	assert.Equal(t, ts, r.Timestamp)
}

func TestBar(t *testing.T) {
	b := market.AggregateBar{
		Contract: "O:NVDA250117C00150000",
		Start:    ts,
		Volume:   35,
		Notional: decimal.NewFromInt(3500),
		Count:    3,
	}
	r, ok := Bar(b, decimal.NewFromInt(3000))
	require.True(t, ok)
	assert.Equal(t, market.TagBlock, r.Tag)
	assert.True(t, decimal.NewFromInt(1).Equal(r.Price), "price derived from notional")

	_, ok = Bar(b, decimal.NewFromInt(4000))
	assert.False(t, ok)

	b.Volume = 3000
	b.Notional = decimal.NewFromInt(300_000)
	b.VWAP = decimal.NewFromInt(1)
	r, ok = LiveBar(b, decimal.Zero)
	require.True(t, ok)
	assert.Equal(t, market.TagWhale, r.Tag)

	b.Volume = 30
	b.Notional = decimal.NewFromInt(3000)
	r, ok = LiveBar(b, decimal.Zero)
	require.True(t, ok)
	assert.Equal(t, market.TagLive, r.Tag)
}
