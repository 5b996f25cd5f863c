// Package classify tags prints and bars by notional value and lot size.
package classify

import (
	"github.com/shopspring/decimal"

	"whalescan/internal/market"
)

const (
	WhaleSize = 2000 // strictly above
	TinySize  = 5    // strictly below
)

// Tag applies the size and condition rules in order: whale, sweep, tiny, block.
// Pass sweep=false for bars, which carry no conditions.
func Tag(size int64, sweep bool) market.Tag {
	switch {
	case size > WhaleSize:
		return market.TagWhale
	case sweep:
		return market.TagSweep
	case size < TinySize:
		return market.TagTiny
	default:
		return market.TagBlock
	}
}

// Print classifies one trade. ok is false when its notional is under minNotional.
func Print(p market.TradePrint, minNotional decimal.Decimal) (market.ClassifiedRecord, bool) {
	notional := p.Notional()
	if notional.LessThan(minNotional) {
		return market.ClassifiedRecord{}, false
	}
	tag := Tag(p.Size, p.HasCondition(market.SweepCondition))
	return market.NewRecord(p.Contract, p.Size, p.Price, notional, p.Timestamp, tag), true
}

// Bar classifies an aggregate. The row price is the bar's VWAP, derived from
// notional when the bar has none.
func Bar(b market.AggregateBar, minNotional decimal.Decimal) (market.ClassifiedRecord, bool) {
	if b.Notional.LessThan(minNotional) || b.Volume <= 0 {
		return market.ClassifiedRecord{}, false
	}
	price := b.VWAP
	if price.IsZero() {
		price = b.Notional.Div(decimal.NewFromInt(b.Volume * market.Multiplier))
	}
	return market.NewRecord(b.Contract, b.Volume, price, b.Notional, b.Start, Tag(b.Volume, false)), true
}

// LiveBar classifies a streamed aggregate: whales keep their tag, everything else is Live.
func LiveBar(b market.AggregateBar, minNotional decimal.Decimal) (market.ClassifiedRecord, bool) {
	r, ok := Bar(b, minNotional)
	if ok && r.Tag != market.TagWhale {
		r.Tag = market.TagLive
	}
	return r, ok
}
