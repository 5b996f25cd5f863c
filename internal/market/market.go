// Package market holds the record types that flow from the gateway through
// filtering, classification and bucketing into the live buffer.
package market

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"whalescan/internal/occ"
)

// Multiplier is the standard US equity option contract size.
const Multiplier = 100

// SweepCondition is the provider condition code for an intermarket sweep.
const SweepCondition int32 = 14

var multiplier = decimal.NewFromInt(Multiplier)

// Notional is price × size × 100.
func Notional(price decimal.Decimal, size int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(size)).Mul(multiplier)
}

// TradePrint is one execution as reported by the provider.
type TradePrint struct {
	Contract   string
	Price      decimal.Decimal
	Size       int64
	Timestamp  time.Time
	Conditions []int32
}

func (p TradePrint) Notional() decimal.Decimal { return Notional(p.Price, p.Size) }

func (p TradePrint) HasCondition(code int32) bool {
	for _, c := range p.Conditions {
		if c == code {
			return true
		}
	}
	return false
}

// AggregateBar summarises one or more prints of a contract over a time bucket.
// Count is zero when the provider does not report it.
type AggregateBar struct {
	Contract string
	Start    time.Time
	Volume   int64
	Notional decimal.Decimal
	Count    int64
	VWAP     decimal.Decimal
}

// DaySummary is the provider's daily roll-up for one contract. Nil fields were
// absent or null in the payload.
type DaySummary struct {
	Volume *int64
	Close  *decimal.Decimal
	VWAP   *decimal.Decimal
}

// Price returns the close, falling back to VWAP.
func (d *DaySummary) Price() (decimal.Decimal, bool) {
	if d == nil {
		return decimal.Zero, false
	}
	if d.Close != nil && d.Close.IsPositive() {
		return *d.Close, true
	}
	if d.VWAP != nil && d.VWAP.IsPositive() {
		return *d.VWAP, true
	}
	return decimal.Zero, false
}

// ContractSummary is one row of an underlying's chain snapshot.
type ContractSummary struct {
	Contract string
	Day      *DaySummary
}

// Greeks as reported by the provider; zero when absent.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// ContractDetail is a single contract's snapshot, used by the inspector.
type ContractDetail struct {
	Contract          string
	Day               *DaySummary
	OpenInterest      int64
	ImpliedVolatility float64
	Greeks            Greeks
	UnderlyingPrice   *decimal.Decimal
}

// ContractInfo is a reference-data listing entry.
type ContractInfo struct {
	Contract   string          `json:"contract"`
	Underlying string          `json:"underlying"`
	Strike     decimal.Decimal `json:"strike"`
	Expiry     string          `json:"expiry"`
	Side       string          `json:"side"`
}

// Tag is the row classification shown in the scanner table.
type Tag string

const (
	TagTiny  Tag = "tiny"
	TagBlock Tag = "block"
	TagWhale Tag = "whale"
	TagSweep Tag = "sweep"
	TagLive  Tag = "live"
)

// ClassifiedRecord is the single row type of the dashboard. Parsed is false
// when Contract did not decode; the contract fields then hold placeholders.
type ClassifiedRecord struct {
	Contract   string          `json:"contract"`
	Underlying string          `json:"underlying"`
	Strike     string          `json:"strike"`
	Expiry     string          `json:"expiry"`
	Side       string          `json:"side"`
	Size       int64           `json:"size"`
	Price      decimal.Decimal `json:"price"`
	Notional   decimal.Decimal `json:"notional"`
	Timestamp  time.Time       `json:"timestamp"`
	Tag        Tag             `json:"tag"`
	Parsed     bool            `json:"parsed"`

	SizeText     string `json:"size_text"`
	NotionalText string `json:"notional_text"`
}

// Placeholder is shown for contract fields that could not be decoded.
const Placeholder = "—"

// NewRecord fills the contract columns by decoding contract.
func NewRecord(contract string, size int64, price, notional decimal.Decimal, ts time.Time, tag Tag) ClassifiedRecord {
	r := ClassifiedRecord{
		Contract:     contract,
		Underlying:   Placeholder,
		Strike:       Placeholder,
		Expiry:       Placeholder,
		Side:         Placeholder,
		Size:         size,
		Price:        price,
		Notional:     notional,
		Timestamp:    ts.UTC(),
		Tag:          tag,
		SizeText:     humanize.Comma(size),
		NotionalText: "$" + humanize.CommafWithDigits(notional.InexactFloat64(), 0),
	}
	if c, err := occ.Decode(contract); err == nil {
		r.Parsed = true
		r.Underlying = c.Underlying
		r.Strike = "$" + c.Strike.String()
		r.Expiry = c.Expiry.Format("2006-01-02")
		r.Side = c.Side.Word()
	}
	return r
}

// SortOrder selects the final ordering of a scan.
type SortOrder string

const (
	SortNewest   SortOrder = "time"
	SortNotional SortOrder = "notional"
)

// ParseSortOrder defaults to newest first.
func ParseSortOrder(s string) SortOrder {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "notional", "value", "premium":
		return SortNotional
	}
	return SortNewest
}

// Sort orders records in place; ties fall back to contract then timestamp.
func Sort(records []ClassifiedRecord, order SortOrder) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if order == SortNotional {
			if c := a.Notional.Cmp(b.Notional); c != 0 {
				return c > 0
			}
			if !a.Timestamp.Equal(b.Timestamp) {
				return a.Timestamp.After(b.Timestamp)
			}
			return a.Contract < b.Contract
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.Contract < b.Contract
	})
}

var (
	ErrEmptyWatchlist   = errors.New("watchlist is empty")
	ErrInvalidThreshold = errors.New("minimum notional must be >= 0")
)

// WatchlistConfig is what the user submits with a scan.
type WatchlistConfig struct {
	Tickers     []string        `json:"tickers"`
	MinNotional decimal.Decimal `json:"min_notional"`
}

// Normalize upper-cases, trims and de-duplicates tickers, keeping first-seen order.
func (w WatchlistConfig) Normalize() WatchlistConfig {
	out := WatchlistConfig{MinNotional: w.MinNotional}
	seen := make(map[string]struct{}, len(w.Tickers))
	for _, t := range w.Tickers {
		s := strings.ToUpper(strings.TrimSpace(t))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out.Tickers = append(out.Tickers, s)
	}
	return out
}

func (w WatchlistConfig) Validate() error {
	if len(w.Tickers) == 0 {
		return ErrEmptyWatchlist
	}
	if w.MinNotional.IsNegative() {
		return ErrInvalidThreshold
	}
	return nil
}

// Contains reports whether ticker is watched.
func (w WatchlistConfig) Contains(ticker string) bool {
	for _, t := range w.Tickers {
		if t == ticker {
			return true
		}
	}
	return false
}
