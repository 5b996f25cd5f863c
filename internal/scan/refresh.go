package scan

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"whalescan/internal/logger"
)

// AutoRefresh re-runs a scan on a fixed period while enabled. Ticks that land
// while a previous run is still going are skipped.
type AutoRefresh struct {
	clock    clock.Clock
	interval time.Duration
	run      func(ctx context.Context)
	log      *logger.Logger

	enabled atomic.Bool
	busy    atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewAutoRefresh(clk clock.Clock, interval time.Duration, run func(ctx context.Context), log *logger.Logger) *AutoRefresh {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = logger.Get()
	}
	return &AutoRefresh{clock: clk, interval: interval, run: run, log: log.Named("refresh")}
}

func (a *AutoRefresh) Interval() time.Duration { return a.interval }

func (a *AutoRefresh) Enabled() bool { return a.enabled.Load() }

// SetEnabled toggles refreshing without restarting the ticker.
func (a *AutoRefresh) SetEnabled(on bool) {
	if a.enabled.Swap(on) != on {
		a.log.Infow("auto refresh toggled", "enabled", on, "interval", a.interval)
	}
}

// Start launches the ticker loop; a second Start is a no-op.
func (a *AutoRefresh) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	ticker := a.clock.Ticker(a.interval)

	go func(done chan struct{}) {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.tick(ctx)
			}
		}
	}(a.done)
}

func (a *AutoRefresh) tick(ctx context.Context) {
	if !a.enabled.Load() {
		return
	}
	if !a.busy.CompareAndSwap(false, true) {
		a.log.Debugw("previous refresh still running; tick skipped")
		return
	}
	go func() {
		defer a.busy.Store(false)
		a.run(ctx)
	}()
}

// Stop ends the loop and waits for it.
func (a *AutoRefresh) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
