package scan

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"whalescan/internal/livebuf"
	"whalescan/internal/logger"
	"whalescan/internal/market"
	"whalescan/internal/polygon"
)

func newListener(feed Feed, wl market.WatchlistConfig) (*Listener, *livebuf.Buffer, *[]market.ClassifiedRecord) {
	buf := livebuf.New(10)
	var (
		mu   sync.Mutex
		seen []market.ClassifiedRecord
	)
	l := NewListener(feed, buf, ListenerOptions{
		Topics:    []string{"T.*", "A.*"},
		Watchlist: func() market.WatchlistConfig { return wl },
		OnRecord: func(r market.ClassifiedRecord) {
			mu.Lock()
			seen = append(seen, r)
			mu.Unlock()
		},
		Log: logger.Nop(),
	})
	return l, buf, &seen
}

func TestListenerClassifiesPerPrint(t *testing.T) {
	l, buf, seen := newListener(&fakeFeed{}, watch(50_000, "NVDA"))
	ts := scanNow

	l.HandleTrade(trade(nvdaCall, ts, 600, "10"))     // $600k block
	l.HandleTrade(trade(nvdaCall, ts, 300, "1"))      // $30k, dropped
	l.HandleTrade(trade(nvdaCall, ts, 50, "20", 14))  // $100k sweep
	l.HandleTrade(trade(nvdaCall, ts, 2500, "1", 14)) // $250k, whale wins
	l.HandleTrade(trade(aaplCall, ts, 10_000, "10"))  // not watched
	l.HandleTrade(trade("I:SPX", ts, 10_000, "10"))   // unparsed, not watched

	rows := buf.Snapshot()
	require.Len(t, rows, 3)
	assert.Equal(t, market.TagWhale, rows[0].Tag)
	assert.Equal(t, market.TagSweep, rows[1].Tag)
	assert.Equal(t, market.TagBlock, rows[2].Tag)
	assert.Len(t, *seen, 3)
}

func TestListenerBarsAreLive(t *testing.T) {
	l, buf, _ := newListener(&fakeFeed{}, watch(10_000, "NVDA"))
	l.HandleBar(market.AggregateBar{Contract: nvdaCall, Start: scanNow, Volume: 100, Notional: decimalOf(20_000)})
	l.HandleBar(market.AggregateBar{Contract: nvdaCall, Start: scanNow, Volume: 3000, Notional: decimalOf(300_000)})
	l.HandleBar(market.AggregateBar{Contract: nvdaCall, Start: scanNow, Volume: 10, Notional: decimalOf(500)})

	rows := buf.Snapshot()
	require.Len(t, rows, 2)
	assert.Equal(t, market.TagWhale, rows[0].Tag)
	assert.Equal(t, market.TagLive, rows[1].Tag)
}

func TestListenerLifecycle(t *testing.T) {
	feed := &fakeFeed{}
	l, buf, _ := newListener(feed, watch(0, "NVDA"))
	ctx := context.Background()

	assert.False(t, l.Running())
	l.Start(ctx)
	l.Start(ctx)
	assert.True(t, l.Running())
	require.Eventually(t, func() bool { return feed.running.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), feed.runs.Load(), "second Start is a no-op")

	feed.lastSub().Trades <- trade(nvdaCall, scanNow, 10, "1")
	require.Eventually(t, func() bool { return buf.Len() == 1 }, time.Second, 5*time.Millisecond)

	l.Stop()
	assert.False(t, l.Running())
	assert.Equal(t, int32(0), feed.running.Load())
	assert.Equal(t, 1, feed.unsubs)
	l.Stop()

	l.Restart(ctx)
	assert.True(t, l.Running())
	require.Eventually(t, func() bool { return feed.runs.Load() == 2 }, time.Second, 5*time.Millisecond)
	l.Stop()
	assert.ElementsMatch(t, []string{"T.*", "A.*", "T.*", "A.*"}, feed.followed)
}

func TestListenerLogsUnparsedSymbols(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	buf := livebuf.New(10)
	l := NewListener(&fakeFeed{}, buf, ListenerOptions{
		Watchlist: func() market.WatchlistConfig { return watch(0, "SPX") },
		Log:       &logger.Logger{SugaredLogger: zap.New(core).Sugar()},
	})

	l.HandleTrade(trade("I:SPX", scanNow, 10_000, "10"))
	l.HandleBar(market.AggregateBar{Contract: "O:BAD", Start: scanNow, Volume: 10, Notional: decimalOf(100_000)})

	assert.Zero(t, buf.Len())
	dropped := logs.FilterMessage("unparsed live symbol dropped").All()
	require.Len(t, dropped, 2)
	assert.Equal(t, "I:SPX", dropped[0].ContextMap()["contract"])
	assert.Equal(t, zapcore.DebugLevel, dropped[0].Level)
}

func TestListenerStopsWhenFeedFails(t *testing.T) {
	feed := &fakeFeed{}
	feed.failWith(polygon.ErrAuthFailed)
	l, _, _ := newListener(feed, watch(0, "NVDA"))

	l.Start(context.Background())
	require.Eventually(t, func() bool { return !l.Running() }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, l.Err(), polygon.ErrAuthFailed)
	sub := feed.lastSub()
	require.Eventually(t, func() bool {
		select {
		case <-sub.Done():
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond, "subscription closed")
	l.Stop() // no-op once failed

	feed.failWith(nil)
	l.Start(context.Background())
	assert.True(t, l.Running())
	assert.NoError(t, l.Err(), "a new run clears the last failure")
	l.Stop()
	assert.False(t, l.Running())
}
