package scan

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"whalescan/internal/market"
	"whalescan/internal/polygon"
)

type fakeGateway struct {
	mu       sync.Mutex
	chains   map[string][]market.ContractSummary
	trades   map[string][]market.TradePrint
	bars     map[string][]market.AggregateBar
	chainErr map[string]error
	fetchErr map[string]error
	// block holds ChainSnapshot for these tickers until ctx ends
	block   map[string]bool
	entered chan string
	calls   atomic.Int32
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		chains:   map[string][]market.ContractSummary{},
		trades:   map[string][]market.TradePrint{},
		bars:     map[string][]market.AggregateBar{},
		chainErr: map[string]error{},
		fetchErr: map[string]error{},
		block:    map[string]bool{},
		entered:  make(chan string, 8),
	}
}

func (g *fakeGateway) ChainSnapshot(ctx context.Context, underlying string) ([]market.ContractSummary, error) {
	g.calls.Add(1)
	g.mu.Lock()
	blocked, err, out := g.block[underlying], g.chainErr[underlying], g.chains[underlying]
	g.mu.Unlock()
	if blocked {
		g.entered <- underlying
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return out, err
}

func (g *fakeGateway) RecentTrades(ctx context.Context, contract string, from time.Time, limit int) ([]market.TradePrint, error) {
	g.calls.Add(1)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.trades[contract], g.fetchErr[contract]
}

func (g *fakeGateway) SecondAggregates(ctx context.Context, contract string, from, to time.Time) ([]market.AggregateBar, error) {
	g.calls.Add(1)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bars[contract], g.fetchErr[contract]
}

func summary(contract string, volume int64, closePx string) market.ContractSummary {
	c := decimal.RequireFromString(closePx)
	return market.ContractSummary{
		Contract: contract,
		Day:      &market.DaySummary{Volume: &volume, Close: &c},
	}
}

func decimalOf(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func trade(contract string, ts time.Time, size int64, price string, conds ...int32) market.TradePrint {
	return market.TradePrint{
		Contract:   contract,
		Price:      decimal.RequireFromString(price),
		Size:       size,
		Timestamp:  ts,
		Conditions: conds,
	}
}

type fakeFeed struct {
	mu       sync.Mutex
	followed []string
	subs     []*polygon.Subscription
	unsubs   int
	runs     atomic.Int32
	running  atomic.Int32
	// runErr ends Run at once when set
	runErr error
}

func (f *fakeFeed) Follow(params ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.followed = append(f.followed, params...)
}

func (f *fakeFeed) Subscribe(key string) *polygon.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := polygon.NewSubscription(key)
	f.subs = append(f.subs, sub)
	return sub
}

func (f *fakeFeed) Unsubscribe(sub *polygon.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub.Close()
	f.unsubs++
}

func (f *fakeFeed) Run(ctx context.Context) error {
	f.runs.Add(1)
	f.mu.Lock()
	err := f.runErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.running.Add(1)
	defer f.running.Add(-1)
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeFeed) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runErr = err
}

func (f *fakeFeed) lastSub() *polygon.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[len(f.subs)-1]
}
