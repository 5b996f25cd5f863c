package scan

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"whalescan/internal/livebuf"
	"whalescan/internal/logger"
	"whalescan/internal/market"
)

// ErrNoListener is returned by listener controls when the session has no feed.
var ErrNoListener = errors.New("session has no live feed")

type SessionConfig struct {
	Gateway  Gateway
	Feed     Feed // nil disables the live listener
	Capacity int
	Scan     Options

	Topics        []string
	StartListener bool

	RefreshInterval time.Duration
	RefreshEnabled  bool

	Watchlist market.WatchlistConfig
	Sort      market.SortOrder

	OnRecord func(market.ClassifiedRecord)
	OnScan   func(*Report)
	Clock    clock.Clock
	Log      *logger.Logger
}

type scanRequest struct {
	watchlist market.WatchlistConfig
	sort      market.SortOrder
}

// Session owns everything one dashboard user works with: the buffer, the
// current watchlist and the workers that write to the buffer.
type Session struct {
	ID      uuid.UUID
	Started time.Time

	Buffer       *livebuf.Buffer
	Orchestrator *Orchestrator
	Listener     *Listener
	Refresh      *AutoRefresh

	current atomic.Pointer[scanRequest]
	onScan  func(*Report)
	ctx     context.Context
	cancel  context.CancelFunc
	log     *logger.Logger
}

// NewSession wires the workers. ctx bounds the session's lifetime.
func NewSession(ctx context.Context, cfg SessionConfig) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Log == nil {
		cfg.Log = logger.Get()
	}
	if cfg.Scan.Clock == nil {
		cfg.Scan.Clock = cfg.Clock
	}
	if cfg.Scan.Log == nil {
		cfg.Scan.Log = cfg.Log
	}

	id := uuid.New()
	log := cfg.Log.With("session", id.String())
	cfg.Scan.Log = cfg.Scan.Log.With("session", id.String())
	ctx, cancel := context.WithCancel(ctx)

	s := &Session{
		ID:      id,
		Started: cfg.Clock.Now(),
		Buffer:  livebuf.New(cfg.Capacity),
		onScan:  cfg.OnScan,
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
	}
	s.current.Store(&scanRequest{watchlist: cfg.Watchlist.Normalize(), sort: market.ParseSortOrder(string(cfg.Sort))})
	s.Orchestrator = NewOrchestrator(cfg.Gateway, s.Buffer, cfg.Scan)

	if cfg.Feed != nil {
		s.Listener = NewListener(cfg.Feed, s.Buffer, ListenerOptions{
			Topics:    cfg.Topics,
			Watchlist: s.Watchlist,
			OnRecord:  cfg.OnRecord,
			Log:       log,
		})
		if cfg.StartListener {
			s.Listener.Start(ctx)
		}
	}

	s.Refresh = NewAutoRefresh(cfg.Clock, cfg.RefreshInterval, s.rescan, log)
	s.Refresh.SetEnabled(cfg.RefreshEnabled)
	s.Refresh.Start(ctx)

	log.Infow("session opened", "capacity", s.Buffer.Cap(), "listener", s.Listener != nil)
	return s
}

// Watchlist returns the watchlist of the latest accepted scan request.
func (s *Session) Watchlist() market.WatchlistConfig {
	return s.current.Load().watchlist
}

func (s *Session) SortOrder() market.SortOrder {
	return s.current.Load().sort
}

// Scan validates wl, makes it the session's watchlist and runs a backfill.
func (s *Session) Scan(ctx context.Context, wl market.WatchlistConfig, order market.SortOrder) (*Report, error) {
	wl = wl.Normalize()
	if err := wl.Validate(); err != nil {
		return nil, err
	}
	s.current.Store(&scanRequest{watchlist: wl, sort: order})
	report, err := s.Orchestrator.Scan(ctx, wl, order)
	if err == nil && s.onScan != nil {
		s.onScan(report)
	}
	return report, err
}

// rescan is the auto-refresh job: repeat the last request, if any.
func (s *Session) rescan(ctx context.Context) {
	req := s.current.Load()
	if len(req.watchlist.Tickers) == 0 {
		return
	}
	if _, err := s.Scan(ctx, req.watchlist, req.sort); err != nil && !errors.Is(err, ErrScanSuperseded) && !errors.Is(err, context.Canceled) {
		s.log.Warnw("auto refresh scan failed", "error", err)
	}
}

func (s *Session) StartListener() error {
	if s.Listener == nil {
		return ErrNoListener
	}
	s.Listener.Start(s.ctx)
	return nil
}

func (s *Session) StopListener() error {
	if s.Listener == nil {
		return ErrNoListener
	}
	s.Listener.Stop()
	return nil
}

func (s *Session) RestartListener() error {
	if s.Listener == nil {
		return ErrNoListener
	}
	s.Listener.Restart(s.ctx)
	return nil
}

func (s *Session) ListenerRunning() bool {
	return s.Listener != nil && s.Listener.Running()
}

// ListenerErr is why the live feed last stopped on its own, if it did.
func (s *Session) ListenerErr() error {
	if s.Listener == nil {
		return nil
	}
	return s.Listener.Err()
}

// Close stops every worker. The buffer stays readable.
func (s *Session) Close() {
	s.Refresh.Stop()
	if s.Listener != nil {
		s.Listener.Stop()
	}
	s.cancel()
	s.log.Infow("session closed")
}
