// Package web serves the dashboard: the JSON API, the browser page and the
// websocket hub that pushes live rows.
package web

import (
	"context"
	_ "embed"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"github.com/sugawarayuuta/sonnet"

	"whalescan/internal/config"
	"whalescan/internal/export"
	"whalescan/internal/inspect"
	"whalescan/internal/logger"
	"whalescan/internal/market"
	"whalescan/internal/metrics"
	"whalescan/internal/scan"
)

//go:embed static/index.html
var indexHTML []byte

const maxBody = 1 << 20

// Backend is what a stored API key unlocks.
type Backend struct {
	Session   *scan.Session
	Inspector *inspect.Inspector
}

// Events lets a backend report into the dashboard hub.
type Events struct {
	OnRecord func(market.ClassifiedRecord)
	OnScan   func(*scan.Report)
}

// Opener builds a backend for apiKey. ctx bounds the backend's workers.
type Opener func(ctx context.Context, apiKey string, ev Events) (*Backend, error)

type Options struct {
	Open     Opener
	Location *time.Location
	Clock    clock.Clock
	Log      *logger.Logger
}

type Server struct {
	open  Opener
	loc   *time.Location
	clock clock.Clock
	log   *logger.Logger
	hub   *hub
	ctx   context.Context

	mu      sync.RWMutex
	backend *Backend
}

func NewServer(ctx context.Context, opts Options) *Server {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Log == nil {
		opts.Log = logger.Get()
	}
	s := &Server{
		open:  opts.Open,
		loc:   opts.Location,
		clock: opts.Clock,
		log:   opts.Log.Named("web"),
		ctx:   ctx,
	}
	s.hub = newHub(s.snapshot, s.log)
	return s
}

// SetAPIKey opens a backend for key and retires the previous one.
func (s *Server) SetAPIKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return config.ErrMissingAPIKey
	}
	b, err := s.open(s.ctx, key, Events{OnRecord: s.hub.publishRecord, OnScan: s.hub.publishScan})
	if err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.backend
	s.backend = b
	s.mu.Unlock()
	if prev != nil {
		prev.Session.Close()
	}
	s.log.Infow("api key stored", "session", b.Session.ID.String())
	s.hub.status("success", "API key stored")
	return nil
}

func (s *Server) current() *Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend
}

func (s *Server) snapshot() []market.ClassifiedRecord {
	if b := s.current(); b != nil {
		return b.Session.Buffer.Snapshot()
	}
	return nil
}

// Close stops the active backend.
func (s *Server) Close() {
	s.mu.Lock()
	b := s.backend
	s.backend = nil
	s.mu.Unlock()
	if b != nil {
		b.Session.Close()
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /api/key", s.handleKey)
	mux.HandleFunc("POST /api/scan", s.withBackend(s.handleScan))
	mux.HandleFunc("GET /api/records", s.withBackend(s.handleRecords))
	mux.HandleFunc("POST /api/listener", s.withBackend(s.handleListener))
	mux.HandleFunc("POST /api/refresh", s.withBackend(s.handleRefresh))
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/export.csv", s.withBackend(s.handleExport))
	mux.HandleFunc("GET /api/inspect", s.withBackend(s.handleInspect))
	mux.HandleFunc("GET /api/contracts", s.withBackend(s.handleContracts))
	mux.HandleFunc("GET /ws", s.hub.serveWS)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func (s *Server) withBackend(next func(http.ResponseWriter, *http.Request, *Backend)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := s.current()
		if b == nil {
			writeError(w, http.StatusUnauthorized, config.ErrMissingAPIKey)
			return
		}
		next(w, r, b)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

type keyReq struct {
	APIKey string `json:"api_key"`
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	var req keyReq
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.SetAPIKey(req.APIKey); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, config.ErrMissingAPIKey) {
			code = http.StatusBadRequest
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session": s.current().Session.ID})
}

type scanReq struct {
	Tickers []string `json:"tickers"`
	// Watchlist is the text box form: tickers separated by commas or spaces.
	Watchlist   string          `json:"watchlist"`
	MinNotional decimal.Decimal `json:"min_notional"`
	Sort        string          `json:"sort"`
}

func (q scanReq) watchlist() market.WatchlistConfig {
	tickers := append([]string(nil), q.Tickers...)
	tickers = append(tickers, strings.FieldsFunc(q.Watchlist, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})...)
	return market.WatchlistConfig{Tickers: tickers, MinNotional: q.MinNotional}
}

type scanResp struct {
	OK      bool                      `json:"ok"`
	Report  *scan.Report              `json:"report"`
	Records []market.ClassifiedRecord `json:"records"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request, b *Backend) {
	var req scanReq
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	report, err := b.Session.Scan(r.Context(), req.watchlist(), market.ParseSortOrder(req.Sort))
	switch {
	case err == nil:
	case errors.Is(err, market.ErrEmptyWatchlist), errors.Is(err, market.ErrInvalidThreshold):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, scan.ErrScanSuperseded):
		writeError(w, http.StatusConflict, err)
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	default:
		s.log.Errorw("scan failed", "error", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, scanResp{OK: true, Report: report, Records: nonNil(b.Session.Buffer.Snapshot())})
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request, b *Backend) {
	records := nonNil(b.Session.Buffer.Snapshot())
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n < len(records) {
			records = records[:n]
		}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "records": records})
}

type listenerReq struct {
	Mode string `json:"mode"` // start | stop | restart
}

func (s *Server) handleListener(w http.ResponseWriter, r *http.Request, b *Backend) {
	var req listenerReq
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var err error
	switch strings.ToLower(strings.TrimSpace(req.Mode)) {
	case "start":
		err = b.Session.StartListener()
	case "stop":
		err = b.Session.StopListener()
	case "restart":
		err = b.Session.RestartListener()
	default:
		writeError(w, http.StatusBadRequest, errors.New("mode must be start, stop or restart"))
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	running := b.Session.ListenerRunning()
	s.hub.status("info", map[bool]string{true: "Live listener running", false: "Live listener stopped"}[running])
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "running": running})
}

type refreshReq struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, b *Backend) {
	var req refreshReq
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	b.Session.Refresh.SetEnabled(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"enabled":  b.Session.Refresh.Enabled(),
		"interval": b.Session.Refresh.Interval().String(),
	})
}

type statusResp struct {
	HasKey          bool                    `json:"has_key"`
	Session         string                  `json:"session,omitempty"`
	State           scan.State              `json:"state"`
	ListenerRunning bool                    `json:"listener_running"`
	ListenerError   string                  `json:"listener_error,omitempty"`
	RefreshEnabled  bool                    `json:"refresh_enabled"`
	RefreshInterval string                  `json:"refresh_interval,omitempty"`
	BufferSize      int                     `json:"buffer_size"`
	BufferCapacity  int                     `json:"buffer_capacity"`
	Evicted         uint64                  `json:"evicted"`
	Watchlist       *market.WatchlistConfig `json:"watchlist,omitempty"`
	Sort            market.SortOrder        `json:"sort,omitempty"`
	LastReport      *scan.Report            `json:"last_report,omitempty"`
	Clients         int                     `json:"clients"`
	Now             time.Time               `json:"now"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := statusResp{Clients: s.hub.count(), Now: s.clock.Now().In(s.loc)}
	if b := s.current(); b != nil {
		wl := b.Session.Watchlist()
		out.HasKey = true
		out.Session = b.Session.ID.String()
		out.State = b.Session.Orchestrator.State()
		out.ListenerRunning = b.Session.ListenerRunning()
		if err := b.Session.ListenerErr(); err != nil {
			out.ListenerError = err.Error()
		}
		out.RefreshEnabled = b.Session.Refresh.Enabled()
		out.RefreshInterval = b.Session.Refresh.Interval().String()
		out.BufferSize = b.Session.Buffer.Len()
		out.BufferCapacity = b.Session.Buffer.Cap()
		out.Evicted = b.Session.Buffer.Evicted()
		out.Watchlist = &wl
		out.Sort = b.Session.SortOrder()
		out.LastReport = b.Session.Orchestrator.LastReport()
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, b *Backend) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.FileName(s.clock.Now().In(s.loc))+`"`)
	if err := export.WriteCSV(w, b.Session.Buffer.Snapshot(), s.loc); err != nil {
		s.log.Warnw("csv export aborted", "error", err)
	}
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request, b *Backend) {
	v, err := b.Inspector.Inspect(r.Context(), r.URL.Query().Get("contract"))
	if err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, inspect.ErrEmptySymbol) {
			code = http.StatusBadRequest
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleContracts(w http.ResponseWriter, r *http.Request, b *Backend) {
	q := r.URL.Query()
	var expiry time.Time
	if v := strings.TrimSpace(q.Get("expiry")); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("expiry must be YYYY-MM-DD"))
			return
		}
		expiry = t
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	out, err := b.Inspector.Contracts(r.Context(), q.Get("underlying"), expiry, limit)
	if err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, market.ErrEmptyWatchlist) {
			code = http.StatusBadRequest
		}
		writeError(w, code, err)
		return
	}
	if out == nil {
		out = []market.ContractInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "contracts": out})
}

func nonNil(records []market.ClassifiedRecord) []market.ClassifiedRecord {
	if records == nil {
		return []market.ClassifiedRecord{}
	}
	return records
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errors.New("empty request body")
	}
	return sonnet.Unmarshal(body, v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := sonnet.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"ok": false, "error": err.Error()})
}
