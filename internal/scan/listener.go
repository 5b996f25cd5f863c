package scan

import (
	"context"
	"errors"
	"sync"

	"whalescan/internal/classify"
	"whalescan/internal/livebuf"
	"whalescan/internal/logger"
	"whalescan/internal/market"
	"whalescan/internal/metrics"
	"whalescan/internal/occ"
	"whalescan/internal/polygon"
)

// Feed is the push side of the gateway.
type Feed interface {
	Follow(params ...string)
	Subscribe(key string) *polygon.Subscription
	Unsubscribe(sub *polygon.Subscription)
	Run(ctx context.Context) error
}

// Listener consumes the live feed and pushes qualifying rows into the buffer.
// Trades are classified per print; second aggregates become Live rows.
type Listener struct {
	feed      Feed
	buf       *livebuf.Buffer
	topics    []string
	watchlist func() market.WatchlistConfig
	onRecord  func(market.ClassifiedRecord)
	log       *logger.Logger

	mu      sync.Mutex
	running bool
	gen     uint64
	err     error
	cancel  context.CancelFunc
	sub     *polygon.Subscription
	wg      sync.WaitGroup
}

type ListenerOptions struct {
	Topics []string
	// Watchlist is read on every event so threshold changes apply at once.
	Watchlist func() market.WatchlistConfig
	OnRecord  func(market.ClassifiedRecord)
	Log       *logger.Logger
}

func NewListener(feed Feed, buf *livebuf.Buffer, opts ListenerOptions) *Listener {
	if opts.Log == nil {
		opts.Log = logger.Get()
	}
	if opts.Watchlist == nil {
		opts.Watchlist = func() market.WatchlistConfig { return market.WatchlistConfig{} }
	}
	if len(opts.Topics) == 0 {
		opts.Topics = []string{"T.*"}
	}
	return &Listener{
		feed:      feed,
		buf:       buf,
		topics:    opts.Topics,
		watchlist: opts.Watchlist,
		onRecord:  opts.OnRecord,
		log:       opts.Log.Named("listener"),
	}
}

// Start connects the feed. Calling Start on a running listener is a no-op.
// A feed that ends on its own (auth rejected, retries exhausted) stops the
// listener; Err reports why.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running = true
	l.err = nil
	l.gen++
	gen := l.gen
	l.feed.Follow(l.topics...)
	l.sub = l.feed.Subscribe(polygon.AllUnderlyings)

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		err := l.feed.Run(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			l.log.Errorw("feed stopped", "error", err)
			l.fail(gen, err)
		}
	}()
	go func(sub *polygon.Subscription) {
		defer l.wg.Done()
		l.consume(runCtx, sub)
	}(l.sub)
	l.log.Infow("listener started", "topics", l.topics)
}

// Stop disconnects and waits for the workers to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.cancel()
	sub := l.sub
	l.sub = nil
	l.running = false
	l.mu.Unlock()

	l.wg.Wait()
	l.feed.Unsubscribe(sub)
	l.log.Infow("listener stopped")
}

// fail retires run gen after its feed died. A later run is left alone.
func (l *Listener) fail(gen uint64, err error) {
	l.mu.Lock()
	if !l.running || l.gen != gen {
		l.mu.Unlock()
		return
	}
	l.cancel()
	sub := l.sub
	l.sub = nil
	l.running = false
	l.err = err
	l.mu.Unlock()

	l.feed.Unsubscribe(sub)
}

func (l *Listener) Restart(ctx context.Context) {
	l.Stop()
	l.Start(ctx)
}

func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Err returns the error that ended the last run, or nil.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Listener) consume(ctx context.Context, sub *polygon.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case t := <-sub.Trades:
			l.HandleTrade(t)
		case b := <-sub.Bars:
			l.HandleBar(b)
		}
	}
}

// HandleTrade classifies one live print against the current watchlist.
func (l *Listener) HandleTrade(t market.TradePrint) {
	wl := l.watchlist()
	if !l.watched(wl, t.Contract) {
		return
	}
	r, ok := classify.Print(t, wl.MinNotional)
	if !ok {
		return
	}
	l.push(r)
}

// HandleBar classifies one live second aggregate.
func (l *Listener) HandleBar(b market.AggregateBar) {
	wl := l.watchlist()
	if !l.watched(wl, b.Contract) {
		return
	}
	r, ok := classify.LiveBar(b, wl.MinNotional)
	if !ok {
		return
	}
	l.push(r)
}

// watched matches a live contract to the watchlist. Symbols that do not decode
// have no underlying to match, so they are dropped.
func (l *Listener) watched(wl market.WatchlistConfig, contract string) bool {
	u := occ.Underlying(contract)
	if u == "" {
		l.log.Debugw("unparsed live symbol dropped", "contract", contract)
		return false
	}
	return wl.Contains(u)
}

func (l *Listener) push(r market.ClassifiedRecord) {
	l.buf.PushFront(r)
	metrics.RecordClassified(string(r.Tag), "live")
	metrics.SetBufferSize(l.buf.Len())
	if l.onRecord != nil {
		l.onRecord(r)
	}
}
