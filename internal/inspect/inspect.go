// Package inspect builds the single-contract view behind the Contract
// Inspector page.
package inspect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"whalescan/internal/logger"
	"whalescan/internal/market"
	"whalescan/internal/occ"
	"whalescan/internal/polygon"
)

// Gateway is the slice of the REST client the inspector needs.
type Gateway interface {
	ContractSnapshot(ctx context.Context, underlying, contract string) (market.ContractDetail, error)
	MinuteAggregates(ctx context.Context, ticker string, from, to time.Time) ([]market.AggregateBar, error)
	PreviousClose(ctx context.Context, ticker string) (decimal.Decimal, bool, error)
	ListContracts(ctx context.Context, underlying string, expiry time.Time, limit int) ([]market.ContractInfo, error)
}

var ErrEmptySymbol = errors.New("contract symbol is empty")

type Bar struct {
	Start    time.Time       `json:"start"`
	Volume   int64           `json:"volume"`
	VWAP     decimal.Decimal `json:"vwap"`
	Notional decimal.Decimal `json:"notional"`
}

// View is what the inspector page renders. Contract fields hold
// market.Placeholder when the symbol did not decode.
type View struct {
	Contract   string `json:"contract"`
	Parsed     bool   `json:"parsed"`
	Underlying string `json:"underlying"`
	Strike     string `json:"strike"`
	Expiry     string `json:"expiry"`
	Side       string `json:"side"`
	// DaysToExpiry is negative for expired contracts.
	DaysToExpiry int `json:"days_to_expiry"`

	Volume       int64            `json:"volume"`
	Close        *decimal.Decimal `json:"close,omitempty"`
	VWAP         *decimal.Decimal `json:"vwap,omitempty"`
	Notional     decimal.Decimal  `json:"notional"`
	NotionalText string           `json:"notional_text"`

	OpenInterest      int64            `json:"open_interest"`
	ImpliedVolatility float64          `json:"implied_volatility"`
	Greeks            market.Greeks    `json:"greeks"`
	UnderlyingPrice   *decimal.Decimal `json:"underlying_price,omitempty"`
	PreviousClose     *decimal.Decimal `json:"previous_close,omitempty"`

	Bars     []Bar    `json:"bars"`
	Warnings []string `json:"warnings,omitempty"`
}

type Inspector struct {
	gw    Gateway
	clock clock.Clock
	loc   *time.Location
	log   *logger.Logger
}

func New(gw Gateway, clk clock.Clock, loc *time.Location, log *logger.Logger) *Inspector {
	if clk == nil {
		clk = clock.New()
	}
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = logger.Get()
	}
	return &Inspector{gw: gw, clock: clk, loc: loc, log: log.Named("inspect")}
}

// Inspect returns the view for raw. An undecodable symbol yields a placeholder
// view without calling the gateway. Expected gateway failures become warnings;
// anything else is returned.
func (i *Inspector) Inspect(ctx context.Context, raw string) (*View, error) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	if raw == "" {
		return nil, ErrEmptySymbol
	}
	if !strings.Contains(raw, ":") {
		raw = occ.Prefix + raw
	}

	rec := market.NewRecord(raw, 0, decimal.Zero, decimal.Zero, time.Time{}, "")
	v := &View{
		Contract:   raw,
		Parsed:     rec.Parsed,
		Underlying: rec.Underlying,
		Strike:     rec.Strike,
		Expiry:     rec.Expiry,
		Side:       rec.Side,
		Bars:       []Bar{},
	}
	sym, err := occ.Decode(raw)
	if err != nil {
		v.Warnings = append(v.Warnings, err.Error())
		return v, nil
	}

	now := i.clock.Now().In(i.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	v.DaysToExpiry = int(sym.Expiry.Sub(today).Hours() / 24)

	detail, err := i.gw.ContractSnapshot(ctx, sym.Underlying, raw)
	if err := i.soft(v, "snapshot", raw, err); err != nil {
		return nil, err
	}
	if err == nil {
		i.fillDetail(v, detail)
	}

	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, i.loc)
	bars, err := i.gw.MinuteAggregates(ctx, raw, from, now)
	if err := i.soft(v, "minute bars", raw, err); err != nil {
		return nil, err
	}
	for _, b := range bars {
		v.Bars = append(v.Bars, Bar{Start: b.Start, Volume: b.Volume, VWAP: b.VWAP, Notional: b.Notional})
	}

	prev, ok, err := i.gw.PreviousClose(ctx, sym.Underlying)
	if err := i.soft(v, "previous close", sym.Underlying, err); err != nil {
		return nil, err
	}
	if err == nil && ok {
		v.PreviousClose = &prev
	}
	return v, nil
}

func (i *Inspector) fillDetail(v *View, d market.ContractDetail) {
	v.OpenInterest = d.OpenInterest
	v.ImpliedVolatility = d.ImpliedVolatility
	v.Greeks = d.Greeks
	v.UnderlyingPrice = d.UnderlyingPrice
	if d.Day == nil {
		v.Warnings = append(v.Warnings, "no day summary")
		return
	}
	v.Close, v.VWAP = d.Day.Close, d.Day.VWAP
	if d.Day.Volume != nil {
		v.Volume = *d.Day.Volume
	}
	if px, ok := d.Day.Price(); ok {
		v.Notional = market.Notional(px, v.Volume)
		v.NotionalText = "$" + humanize.CommafWithDigits(v.Notional.InexactFloat64(), 0)
	}
}

// soft turns an expected gateway error into a warning on v.
func (i *Inspector) soft(v *View, what, ticker string, err error) error {
	if err == nil {
		return nil
	}
	if polygon.Expected(err) {
		i.log.Warnw("inspect call failed", "call", what, "ticker", ticker, "error", err)
		v.Warnings = append(v.Warnings, fmt.Sprintf("%s: %v", what, err))
		return nil
	}
	return fmt.Errorf("inspect %s %s: %w", what, ticker, err)
}

// Contracts lists an underlying's contracts for the inspector's picker.
// A zero expiry lists every expiry.
func (i *Inspector) Contracts(ctx context.Context, underlying string, expiry time.Time, limit int) ([]market.ContractInfo, error) {
	underlying = strings.ToUpper(strings.TrimSpace(underlying))
	if underlying == "" {
		return nil, market.ErrEmptyWatchlist
	}
	return i.gw.ListContracts(ctx, underlying, expiry, limit)
}
