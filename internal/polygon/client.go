package polygon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	polygonrest "github.com/polygon-io/client-go/rest"
	rmodels "github.com/polygon-io/client-go/rest/models"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"whalescan/internal/logger"
	"whalescan/internal/market"
	"whalescan/internal/metrics"
)

// Gateway failure classes. Callers match with errors.Is; the provider error is
// still wrapped underneath.
var (
	ErrRateLimited = errors.New("polygon: rate limited")
	ErrUnavailable = errors.New("polygon: unavailable")
	ErrNotFound    = errors.New("polygon: not found")
	ErrMalformed   = errors.New("polygon: malformed payload")
	ErrTimeout     = errors.New("polygon: timeout")
)

const chainPageSize = 250

// ClientOptions tune the REST gateway.
type ClientOptions struct {
	CallTimeout       time.Duration
	Retries           int
	RequestsPerMinute int
	// BaseURL redirects every request to another host (tests, proxies).
	BaseURL string
	Log     *logger.Logger
}

// Client is the REST half of the market data gateway. Every call is rate
// limited, bounded by CallTimeout and retried at most Retries times.
type Client struct {
	rest    *polygonrest.Client
	limiter *rate.Limiter
	timeout time.Duration
	retries int
	log     *logger.Logger
}

func NewClient(apiKey string, opts ClientOptions) (*Client, error) {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 8 * time.Second
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = 300
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Log == nil {
		opts.Log = logger.Get()
	}

	hc := &http.Client{Timeout: opts.CallTimeout}
	if opts.BaseURL != "" {
		u, err := url.Parse(opts.BaseURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("gateway base url %q: invalid", opts.BaseURL)
		}
		hc.Transport = &rewriteTransport{target: u, next: http.DefaultTransport}
	}

	burst := opts.RequestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &Client{
		rest:    polygonrest.NewWithClient(apiKey, hc),
		limiter: rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), burst),
		timeout: opts.CallTimeout,
		retries: opts.Retries,
		log:     opts.Log.Named("polygon"),
	}, nil
}

type rewriteTransport struct {
	target *url.URL
	next   http.RoundTripper
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.URL.Scheme = t.target.Scheme
	r.URL.Host = t.target.Host
	r.Host = t.target.Host
	return t.next.RoundTrip(r)
}

// call runs fn under the limiter, a per-attempt timeout and the retry budget.
func (c *Client) call(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 250 * time.Millisecond
	eb.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.retries)), ctx)

	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(classify(err))
		}
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		start := time.Now()
		err := classify(fn(callCtx))
		metrics.RecordGatewayCall(endpoint, status(err), time.Since(start))
		if err != nil && !Retriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		c.log.Debugw("retrying gateway call", "endpoint", endpoint, "wait", wait, "error", err)
	})
}

// classify maps provider and transport failures onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *rmodels.ErrorResponse
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %w", ErrRateLimited, err)
		case apiErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

// Retriable reports whether another attempt could succeed.
func Retriable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}

// Expected reports whether err is one of the gateway's known failure classes,
// as opposed to a bug or an unrecognised provider response.
func Expected(err error) bool {
	return Retriable(err) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrMalformed)
}

func status(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}

// ChainSnapshot returns every contract of an underlying with its day summary.
// A zeroed day block is reported as absent.
func (c *Client) ChainSnapshot(ctx context.Context, underlying string) ([]market.ContractSummary, error) {
	var out []market.ContractSummary
	err := c.call(ctx, "chain_snapshot", func(ctx context.Context) error {
		out = out[:0]
		limit := chainPageSize
		iter := c.rest.ListOptionsChainSnapshot(ctx, &rmodels.ListOptionsChainParams{
			UnderlyingAsset: strings.ToUpper(underlying),
			Limit:           &limit,
		})
		for iter.Next() {
			s := iter.Item()
			if s.Details.Ticker == "" {
				continue
			}
			out = append(out, market.ContractSummary{
				Contract: s.Details.Ticker,
				Day:      daySummary(s.Day.Volume, s.Day.Close, s.Day.VWAP),
			})
		}
		return iter.Err()
	})
	return out, err
}

func daySummary(volume, closePx, vwap float64) *market.DaySummary {
	if volume == 0 && closePx == 0 && vwap == 0 {
		return nil
	}
	d := &market.DaySummary{}
	if volume > 0 {
		v := int64(volume)
		d.Volume = &v
	}
	if closePx > 0 {
		p := decimal.NewFromFloat(closePx)
		d.Close = &p
	}
	if vwap > 0 {
		p := decimal.NewFromFloat(vwap)
		d.VWAP = &p
	}
	return d
}

// RecentTrades returns up to limit prints of contract at or after from,
// newest first as the provider pages them. Zero-size or zero-price prints are
// dropped.
func (c *Client) RecentTrades(ctx context.Context, contract string, from time.Time, limit int) ([]market.TradePrint, error) {
	if limit <= 0 {
		limit = 1000
	}
	page := min(limit, 50000)
	var out []market.TradePrint
	err := c.call(ctx, "trades", func(ctx context.Context) error {
		out = out[:0]
		params := rmodels.ListTradesParams{Ticker: contract}.
			WithTimestamp(rmodels.GTE, rmodels.Nanos(from)).
			WithOrder(rmodels.Desc).
			WithLimit(page)
		iter := c.rest.ListTrades(ctx, params)
		for iter.Next() {
			t := iter.Item()
			if t.Size <= 0 || t.Price <= 0 {
				continue
			}
			ts := time.Time(t.ParticipantTimestamp)
			if ts.IsZero() || ts.Unix() <= 0 {
				ts = time.Time(t.SipTimestamp)
			}
			out = append(out, market.TradePrint{
				Contract:   contract,
				Price:      decimal.NewFromFloat(t.Price),
				Size:       int64(t.Size),
				Timestamp:  ts.UTC(),
				Conditions: t.Conditions,
			})
			if len(out) >= limit {
				break
			}
		}
		return iter.Err()
	})
	return out, err
}

// SecondAggregates returns provider one-second bars for contract in [from, to].
func (c *Client) SecondAggregates(ctx context.Context, contract string, from, to time.Time) ([]market.AggregateBar, error) {
	return c.aggs(ctx, "aggs_second", contract, rmodels.Second, from, to)
}

// MinuteAggregates returns provider one-minute bars for ticker in [from, to].
func (c *Client) MinuteAggregates(ctx context.Context, ticker string, from, to time.Time) ([]market.AggregateBar, error) {
	return c.aggs(ctx, "aggs_minute", ticker, rmodels.Minute, from, to)
}

func (c *Client) aggs(ctx context.Context, endpoint, ticker string, span rmodels.Timespan, from, to time.Time) ([]market.AggregateBar, error) {
	var out []market.AggregateBar
	err := c.call(ctx, endpoint, func(ctx context.Context) error {
		out = out[:0]
		limit := 50000
		order := rmodels.Asc
		adjusted := true
		iter := c.rest.ListAggs(ctx, &rmodels.ListAggsParams{
			Ticker:     ticker,
			Multiplier: 1,
			Timespan:   span,
			From:       rmodels.Millis(from),
			To:         rmodels.Millis(to),
			Limit:      &limit,
			Order:      &order,
			Adjusted:   &adjusted,
		})
		for iter.Next() {
			a := iter.Item()
			if a.Volume <= 0 {
				continue
			}
			out = append(out, bar(ticker, time.Time(a.Timestamp), a.Volume, a.VWAP, a.Close, int64(a.Transactions)))
		}
		return iter.Err()
	})
	return out, err
}

// bar builds an AggregateBar whose notional is volume × VWAP × 100, falling
// back to the close when VWAP is missing.
func bar(ticker string, start time.Time, volume, vwap, closePx float64, count int64) market.AggregateBar {
	px := vwap
	if px <= 0 {
		px = closePx
	}
	v := int64(volume)
	price := decimal.NewFromFloat(px)
	return market.AggregateBar{
		Contract: ticker,
		Start:    start.UTC(),
		Volume:   v,
		Notional: market.Notional(price, v),
		Count:    count,
		VWAP:     price,
	}
}

// PreviousClose returns the prior session close of ticker, or ok=false when
// the provider has no bar for it.
func (c *Client) PreviousClose(ctx context.Context, ticker string) (decimal.Decimal, bool, error) {
	var (
		px decimal.Decimal
		ok bool
	)
	err := c.call(ctx, "previous_close", func(ctx context.Context) error {
		res, err := c.rest.GetPreviousCloseAgg(ctx, &rmodels.GetPreviousCloseAggParams{Ticker: strings.ToUpper(ticker)})
		if err != nil {
			return err
		}
		if len(res.Results) == 0 || res.Results[0].Close <= 0 {
			ok = false
			return nil
		}
		px, ok = decimal.NewFromFloat(res.Results[0].Close), true
		return nil
	})
	return px, ok, err
}

// ContractSnapshot returns the day summary, open interest and greeks of one
// contract.
func (c *Client) ContractSnapshot(ctx context.Context, underlying, contract string) (market.ContractDetail, error) {
	var out market.ContractDetail
	err := c.call(ctx, "contract_snapshot", func(ctx context.Context) error {
		res, err := c.rest.GetOptionContractSnapshot(ctx, &rmodels.GetOptionContractSnapshotParams{
			UnderlyingAsset: strings.ToUpper(underlying),
			OptionContract:  contract,
		})
		if err != nil {
			return err
		}
		s := res.Results
		if s.Details.Ticker != "" && s.Details.Ticker != contract {
			return fmt.Errorf("%w: snapshot for %s returned %s", ErrMalformed, contract, s.Details.Ticker)
		}
		out = market.ContractDetail{
			Contract:          contract,
			Day:               daySummary(s.Day.Volume, s.Day.Close, s.Day.VWAP),
			OpenInterest:      int64(s.OpenInterest),
			ImpliedVolatility: s.ImpliedVolatility,
			Greeks: market.Greeks{
				Delta: s.Greeks.Delta,
				Gamma: s.Greeks.Gamma,
				Theta: s.Greeks.Theta,
				Vega:  s.Greeks.Vega,
			},
		}
		if s.UnderlyingAsset.Price > 0 {
			p := decimal.NewFromFloat(s.UnderlyingAsset.Price)
			out.UnderlyingPrice = &p
		}
		return nil
	})
	return out, err
}

// ListContracts lists contracts of underlying expiring on expiry (any expiry
// when zero), capped at limit.
func (c *Client) ListContracts(ctx context.Context, underlying string, expiry time.Time, limit int) ([]market.ContractInfo, error) {
	if limit <= 0 {
		limit = 250
	}
	var out []market.ContractInfo
	err := c.call(ctx, "contracts", func(ctx context.Context) error {
		out = out[:0]
		params := rmodels.ListOptionsContractsParams{}.
			WithUnderlyingTicker(rmodels.EQ, strings.ToUpper(underlying)).
			WithLimit(min(limit, 1000))
		if !expiry.IsZero() {
			params = params.WithExpirationDate(rmodels.EQ, rmodels.Date(expiry))
		}
		iter := c.rest.ListOptionsContracts(ctx, params)
		for iter.Next() {
			oc := iter.Item()
			out = append(out, market.ContractInfo{
				Contract:   oc.Ticker,
				Underlying: oc.UnderlyingTicker,
				Strike:     decimal.NewFromFloat(oc.StrikePrice),
				Expiry:     time.Time(oc.ExpirationDate).Format("2006-01-02"),
				Side:       oc.ContractType,
			})
			if len(out) >= limit {
				break
			}
		}
		return iter.Err()
	})
	return out, err
}
