// Package activity picks the option contracts worth fetching trades for.
package activity

import (
	"sort"

	"github.com/shopspring/decimal"

	"whalescan/internal/market"
)

// Active is a contract that passed the filter.
type Active struct {
	Contract string
	Volume   int64
	Notional decimal.Decimal
}

// Eligible reports whether a summary clears the bar, and why not when it does not.
// Missing or null day data counts as no activity.
func Eligible(s market.ContractSummary, minNotional decimal.Decimal) (Active, bool, string) {
	if s.Day == nil {
		return Active{}, false, "no day summary"
	}
	if s.Day.Volume == nil || *s.Day.Volume <= 0 {
		return Active{}, false, "no volume"
	}
	// no close or vwap: zero notional, the threshold decides
	price, _ := s.Day.Price()
	notional := market.Notional(price, *s.Day.Volume)
	if notional.LessThan(minNotional) {
		return Active{}, false, "below min notional"
	}
	return Active{Contract: s.Contract, Volume: *s.Day.Volume, Notional: notional}, true, ""
}

// Filter keeps the eligible contracts, ordered by volume desc then contract,
// and caps the result at limit (limit <= 0 keeps everything).
func Filter(summaries []market.ContractSummary, minNotional decimal.Decimal, limit int) []Active {
	out := make([]Active, 0, len(summaries))
	seen := make(map[string]struct{}, len(summaries))
	for _, s := range summaries {
		if s.Contract == "" {
			continue
		}
		if _, dup := seen[s.Contract]; dup {
			continue
		}
		a, ok, _ := Eligible(s, minNotional)
		if !ok {
			continue
		}
		seen[s.Contract] = struct{}{}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Volume != out[j].Volume {
			return out[i].Volume > out[j].Volume
		}
		return out[i].Contract < out[j].Contract
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
