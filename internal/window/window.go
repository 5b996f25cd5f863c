// Package window groups trade prints into fixed-width time buckets.
package window

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"whalescan/internal/market"
)

// DefaultWidth is the canonical bucket width.
const DefaultWidth = time.Second

type Order int

const (
	Ascending Order = iota
	Descending
)

type bucketKey struct {
	contract string
	slot     int64
}

type bucket struct {
	volume   int64
	notional decimal.Decimal
	count    int64
}

// Aggregate sums size, notional and count per (contract, floor(ts/width)) and
// emits one bar per non-empty bucket. Input order does not matter.
func Aggregate(prints []market.TradePrint, width time.Duration, order Order) []market.AggregateBar {
	if width <= 0 {
		width = DefaultWidth
	}
	buckets := make(map[bucketKey]*bucket)
	keys := make([]bucketKey, 0, len(prints))
	for _, p := range prints {
		if p.Size <= 0 {
			continue
		}
		k := bucketKey{contract: p.Contract, slot: floorDiv(p.Timestamp.UnixNano(), int64(width))}
		b := buckets[k]
		if b == nil {
			b = &bucket{notional: decimal.Zero}
			buckets[k] = b
			keys = append(keys, k)
		}
		b.volume += p.Size
		b.notional = b.notional.Add(p.Notional())
		b.count++
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].slot != keys[j].slot {
			if order == Descending {
				return keys[i].slot > keys[j].slot
			}
			return keys[i].slot < keys[j].slot
		}
		return keys[i].contract < keys[j].contract
	})

	out := make([]market.AggregateBar, 0, len(keys))
	for _, k := range keys {
		b := buckets[k]
		out = append(out, market.AggregateBar{
			Contract: k.contract,
			Start:    time.Unix(0, k.slot*int64(width)).UTC(),
			Volume:   b.volume,
			Notional: b.notional,
			Count:    b.count,
			VWAP:     b.notional.Div(decimal.NewFromInt(b.volume * market.Multiplier)),
		})
	}
	return out
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
