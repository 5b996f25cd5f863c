// Package scan runs the backfill scan, the live listener and the auto-refresh
// worker against one session's live buffer.
package scan

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"whalescan/internal/activity"
	"whalescan/internal/classify"
	"whalescan/internal/livebuf"
	"whalescan/internal/logger"
	"whalescan/internal/market"
	"whalescan/internal/metrics"
	"whalescan/internal/polygon"
	"whalescan/internal/window"
)

// ErrScanSuperseded is returned when a newer scan started before this one merged.
var ErrScanSuperseded = errors.New("scan superseded by a newer scan")

// Gateway is the slice of the market data REST API a scan needs.
type Gateway interface {
	ChainSnapshot(ctx context.Context, underlying string) ([]market.ContractSummary, error)
	RecentTrades(ctx context.Context, contract string, from time.Time, limit int) ([]market.TradePrint, error)
	SecondAggregates(ctx context.Context, contract string, from, to time.Time) ([]market.AggregateBar, error)
}

type Mode string

const (
	// ModeTrades fetches prints and buckets them before classifying.
	ModeTrades Mode = "trades"
	// ModeAggs classifies the provider's one-second bars directly.
	ModeAggs Mode = "aggs"
)

type State int32

const (
	Idle State = iota
	Discovering
	Filtering
	FetchingTrades
	Classifying
	Merged
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Discovering:
		return "discovering"
	case Filtering:
		return "filtering"
	case FetchingTrades:
		return "fetching_trades"
	case Classifying:
		return "classifying"
	case Merged:
		return "merged"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Options struct {
	Mode                Mode
	MaxContracts        int
	BucketWidth         time.Duration
	TickerParallelism   int
	ContractParallelism int
	TradesPerContract   int
	CallTimeout         time.Duration
	Clock               clock.Clock
	Location            *time.Location
	Log                 *logger.Logger
}

func (o *Options) defaults() {
	if o.Mode != ModeAggs {
		o.Mode = ModeTrades
	}
	if o.MaxContracts <= 0 {
		o.MaxContracts = 20
	}
	if o.BucketWidth <= 0 {
		o.BucketWidth = window.DefaultWidth
	}
	if o.TickerParallelism <= 0 {
		o.TickerParallelism = 4
	}
	if o.ContractParallelism <= 0 {
		o.ContractParallelism = 5
	}
	if o.TradesPerContract <= 0 {
		o.TradesPerContract = 1000
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 8 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Log == nil {
		o.Log = logger.Get()
	}
}

// Report summarises one scan. Partial results are kept when units fail.
type Report struct {
	ID         uuid.UUID          `json:"id"`
	Generation uint64             `json:"generation"`
	Started    time.Time          `json:"started"`
	Finished   time.Time          `json:"finished"`
	Tickers    []string           `json:"tickers"`
	Sort       market.SortOrder   `json:"sort"`
	Contracts  int                `json:"contracts"`
	Active     int                `json:"active"`
	Records    int                `json:"records"`
	ByTag      map[market.Tag]int `json:"by_tag"`
	Excluded   map[string]int     `json:"excluded"`
	Skipped    map[string]int     `json:"skipped"`
	Warnings   []string           `json:"warnings"`
	Errors     []string           `json:"errors"`
	Stale      bool               `json:"stale"`

	mu sync.Mutex
}

func (r *Report) warn(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.Warnings {
		if w == msg {
			return
		}
	}
	r.Warnings = append(r.Warnings, msg)
}

func (r *Report) skip(reason string) {
	r.mu.Lock()
	r.Skipped[reason]++
	r.mu.Unlock()
}

func (r *Report) fail(msg string) {
	r.mu.Lock()
	r.Errors = append(r.Errors, msg)
	r.mu.Unlock()
}

// Orchestrator drives Idle → Discovering → Filtering → FetchingTrades →
// Classifying → Merged → Idle for each scan.
type Orchestrator struct {
	gw   Gateway
	buf  *livebuf.Buffer
	opts Options
	log  *logger.Logger

	state   atomic.Int32
	gen     atomic.Uint64
	mergeMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	last   *Report
}

func NewOrchestrator(gw Gateway, buf *livebuf.Buffer, opts Options) *Orchestrator {
	opts.defaults()
	return &Orchestrator{
		gw:   gw,
		buf:  buf,
		opts: opts,
		log:  opts.Log.Named("scan"),
	}
}

func (o *Orchestrator) State() State { return State(o.state.Load()) }

func (o *Orchestrator) setState(gen uint64, s State) {
	// only the newest scan drives the visible state
	if o.gen.Load() == gen {
		o.state.Store(int32(s))
	}
}

// LastReport returns the most recent merged or failed scan, or nil.
func (o *Orchestrator) LastReport() *Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

type unit struct {
	ticker string
	active activity.Active
}

// Scan runs a full backfill for wl and replaces the buffer with the result.
// Input errors return before any gateway call. A scan that is overtaken by a
// newer one returns its report with ErrScanSuperseded and leaves the buffer alone.
func (o *Orchestrator) Scan(ctx context.Context, wl market.WatchlistConfig, order market.SortOrder) (*Report, error) {
	wl = wl.Normalize()
	if err := wl.Validate(); err != nil {
		return nil, err
	}

	gen := o.gen.Add(1)
	scanCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.cancel = cancel
	o.mu.Unlock()
	defer cancel()

	report := &Report{
		ID:         uuid.New(),
		Generation: gen,
		Started:    o.opts.Clock.Now(),
		Tickers:    wl.Tickers,
		Sort:       order,
		Excluded:   map[string]int{},
		Skipped:    map[string]int{},
		ByTag:      map[market.Tag]int{},
	}
	log := o.log.With("scan_id", report.ID.String(), "generation", gen)
	log.Infow("scan started", "tickers", wl.Tickers, "min_notional", wl.MinNotional.String(), "mode", o.opts.Mode)

	o.setState(gen, Discovering)
	chains := o.discover(scanCtx, log, report, wl.Tickers)

	if len(chains) == 0 && len(report.Skipped) > 0 && scanCtx.Err() == nil {
		report.warn("no ticker could be discovered; previous rows kept")
		report.Finished = o.opts.Clock.Now()
		metrics.RecordScan("empty", report.Finished.Sub(report.Started))
		o.setState(gen, Idle)
		o.mu.Lock()
		o.last = report
		o.mu.Unlock()
		log.Warnw("scan produced no data", "skipped", report.Skipped)
		return report, nil
	}

	o.setState(gen, Filtering)
	var units []unit
	for _, t := range wl.Tickers {
		summaries := chains[t]
		report.Contracts += len(summaries)
		for _, s := range summaries {
			if _, ok, why := activity.Eligible(s, wl.MinNotional); !ok {
				report.Excluded[why]++
			}
		}
		for _, a := range activity.Filter(summaries, wl.MinNotional, o.opts.MaxContracts) {
			units = append(units, unit{ticker: t, active: a})
		}
	}
	report.Active = len(units)

	o.setState(gen, FetchingTrades)
	records := o.fetchAndClassify(scanCtx, log, report, units, wl)

	o.setState(gen, Classifying)
	market.Sort(records, order)
	report.Records = len(records)
	for _, r := range records {
		report.ByTag[r.Tag]++
	}

	outcome, err := o.merge(ctx, gen, records)
	report.Finished = o.opts.Clock.Now()
	metrics.RecordScan(outcome, report.Finished.Sub(report.Started))
	if err != nil {
		report.Stale = errors.Is(err, ErrScanSuperseded)
		log.Infow("scan not merged", "reason", err)
		return report, err
	}

	o.setState(gen, Merged)
	o.mu.Lock()
	o.last = report
	o.mu.Unlock()
	o.setState(gen, Idle)
	for _, r := range records {
		metrics.RecordClassified(string(r.Tag), "scan")
	}
	metrics.SetBufferSize(o.buf.Len())
	log.Infow("scan merged", "contracts", report.Contracts, "active", report.Active,
		"records", report.Records, "skipped", report.Skipped, "took", report.Finished.Sub(report.Started))
	return report, nil
}

// merge swaps records into the buffer unless a newer scan exists or the
// caller gave up.
func (o *Orchestrator) merge(ctx context.Context, gen uint64, records []market.ClassifiedRecord) (string, error) {
	o.mergeMu.Lock()
	defer o.mergeMu.Unlock()
	if o.gen.Load() != gen {
		return "superseded", ErrScanSuperseded
	}
	if err := ctx.Err(); err != nil {
		o.setState(gen, Idle)
		return "canceled", err
	}
	o.buf.ReplaceAll(records)
	return "merged", nil
}

func (o *Orchestrator) discover(ctx context.Context, log *logger.Logger, report *Report, tickers []string) map[string][]market.ContractSummary {
	out := make(map[string][]market.ContractSummary, len(tickers))
	var mu sync.Mutex
	sem := make(chan struct{}, o.opts.TickerParallelism)
	wg := sync.WaitGroup{}

	for _, t := range tickers {
		ticker := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if ctx.Err() != nil {
				return
			}

			callCtx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
			defer cancel()
			summaries, err := o.gw.ChainSnapshot(callCtx, ticker)
			if err != nil {
				o.unitFailed(ctx, log.With("ticker", ticker), report, "chain snapshot", err)
				return
			}
			mu.Lock()
			out[ticker] = summaries
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

func (o *Orchestrator) fetchAndClassify(ctx context.Context, log *logger.Logger, report *Report, units []unit, wl market.WatchlistConfig) []market.ClassifiedRecord {
	now := o.opts.Clock.Now()
	from := sessionStart(now, o.opts.Location)

	var (
		mu      sync.Mutex
		records []market.ClassifiedRecord
	)
	sem := make(chan struct{}, o.opts.ContractParallelism)
	wg := sync.WaitGroup{}

	for _, u := range units {
		u := u
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if ctx.Err() != nil {
				return
			}

			unitLog := log.With("ticker", u.ticker, "contract", u.active.Contract)
			callCtx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
			defer cancel()

			var bars []market.AggregateBar
			switch o.opts.Mode {
			case ModeAggs:
				got, err := o.gw.SecondAggregates(callCtx, u.active.Contract, from, now)
				if err != nil {
					o.unitFailed(ctx, unitLog, report, "second aggregates", err)
					return
				}
				bars = got
			default:
				prints, err := o.gw.RecentTrades(callCtx, u.active.Contract, from, o.opts.TradesPerContract)
				if err != nil {
					o.unitFailed(ctx, unitLog, report, "trades", err)
					return
				}
				bars = window.Aggregate(prints, o.opts.BucketWidth, window.Descending)
			}

			var mine []market.ClassifiedRecord
			for _, b := range bars {
				if b.Contract == "" {
					b.Contract = u.active.Contract
				}
				r, ok := classify.Bar(b, wl.MinNotional)
				if !ok {
					continue
				}
				if !r.Parsed {
					r.Underlying = u.ticker
				}
				mine = append(mine, r)
			}
			mu.Lock()
			records = append(records, mine...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return records
}

// unitFailed logs and counts a skipped unit. Known gateway failures are
// warnings; anything else is recorded as an error on the report.
func (o *Orchestrator) unitFailed(ctx context.Context, log *logger.Logger, report *Report, what string, err error) {
	if ctx.Err() != nil {
		// the scan itself was canceled or superseded
		return
	}
	reason := skipReason(err)
	report.skip(reason)
	metrics.RecordSkip(reason)
	switch {
	case errors.Is(err, polygon.ErrRateLimited):
		report.warn("market data rate limited; results are partial")
		log.Warnw(what+" skipped", "reason", reason, "error", err)
	case errors.Is(err, polygon.ErrUnavailable), errors.Is(err, polygon.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		report.warn("market data unreachable or slow; results are partial")
		log.Warnw(what+" skipped", "reason", reason, "error", err)
	case polygon.Expected(err):
		log.Warnw(what+" skipped", "reason", reason, "error", err)
	default:
		report.fail(what + ": " + err.Error())
		log.Errorw(what+" failed unexpectedly", "error", err)
	}
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, polygon.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, polygon.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, polygon.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, polygon.ErrNotFound):
		return "not_found"
	case errors.Is(err, polygon.ErrMalformed):
		return "malformed"
	}
	return "error"
}

// sessionStart is midnight of now's calendar day in loc.
func sessionStart(now time.Time, loc *time.Location) time.Time {
	n := now.In(loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, loc)
}
