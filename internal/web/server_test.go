package web

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"

	"whalescan/internal/inspect"
	"whalescan/internal/logger"
	"whalescan/internal/market"
	"whalescan/internal/polygon"
	"whalescan/internal/scan"
)

const nvdaCall = "O:NVDA250117C00140000"

var testNow = time.Date(2025, 1, 10, 16, 0, 0, 0, time.UTC)

// fakeGateway serves both the scan and the inspector.
type fakeGateway struct {
	chains map[string][]market.ContractSummary
	trades map[string][]market.TradePrint
}

func (g *fakeGateway) ChainSnapshot(ctx context.Context, underlying string) ([]market.ContractSummary, error) {
	return g.chains[underlying], nil
}

func (g *fakeGateway) RecentTrades(ctx context.Context, contract string, from time.Time, limit int) ([]market.TradePrint, error) {
	return g.trades[contract], nil
}

func (g *fakeGateway) SecondAggregates(ctx context.Context, contract string, from, to time.Time) ([]market.AggregateBar, error) {
	return nil, nil
}

func (g *fakeGateway) ContractSnapshot(ctx context.Context, underlying, contract string) (market.ContractDetail, error) {
	return market.ContractDetail{Contract: contract}, nil
}

func (g *fakeGateway) MinuteAggregates(ctx context.Context, ticker string, from, to time.Time) ([]market.AggregateBar, error) {
	return nil, nil
}

func (g *fakeGateway) PreviousClose(ctx context.Context, ticker string) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, nil
}

func (g *fakeGateway) ListContracts(ctx context.Context, underlying string, expiry time.Time, limit int) ([]market.ContractInfo, error) {
	return []market.ContractInfo{{Contract: nvdaCall, Underlying: underlying}}, nil
}

func newGateway() *fakeGateway {
	vol := int64(100)
	closePx := decimal.RequireFromString("10")
	return &fakeGateway{
		chains: map[string][]market.ContractSummary{
			"NVDA": {{Contract: nvdaCall, Day: &market.DaySummary{Volume: &vol, Close: &closePx}}},
		},
		trades: map[string][]market.TradePrint{
			nvdaCall: {{Contract: nvdaCall, Price: decimal.NewFromInt(1), Size: 600, Timestamp: testNow.Add(-time.Hour)}},
		},
	}
}

type harness struct {
	srv  *Server
	http *httptest.Server
	keys []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(testNow)
	h := &harness{}
	gw := newGateway()
	h.srv = NewServer(context.Background(), Options{
		Clock: mock,
		Log:   logger.Nop(),
		Open: func(ctx context.Context, apiKey string, ev Events) (*Backend, error) {
			h.keys = append(h.keys, apiKey)
			sess := scan.NewSession(ctx, scan.SessionConfig{
				Gateway:  gw,
				Capacity: 100,
				OnRecord: ev.OnRecord,
				OnScan:   ev.OnScan,
				Clock:    mock,
				Log:      logger.Nop(),
			})
			return &Backend{Session: sess, Inspector: inspect.New(gw, mock, time.UTC, logger.Nop())}, nil
		},
	})
	h.http = httptest.NewServer(h.srv.Routes())
	t.Cleanup(func() {
		h.http.Close()
		h.srv.Close()
	})
	return h
}

func (h *harness) post(t *testing.T, path, body string) (int, []byte) {
	t.Helper()
	res, err := http.Post(h.http.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, b
}

func (h *harness) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	res, err := http.Get(h.http.URL + path)
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, b
}

func TestEndpointsNeedKey(t *testing.T) {
	h := newHarness(t)

	res, body := h.get(t, "/api/records")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Contains(t, string(body), "POLYGON_API_KEY")

	res, body = h.get(t, "/api/status")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), `"has_key":false`)

	code, _ := h.post(t, "/api/key", `{"api_key":"  "}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.post(t, "/api/key", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Empty(t, h.keys)

	code, _ = h.post(t, "/api/key", `{"api_key":" secret "}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"secret"}, h.keys)

	res, _ = h.get(t, "/api/records")
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestScanRecordsExport(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.srv.SetAPIKey("k"))

	code, body := h.post(t, "/api/scan", `{"watchlist":"nvda, ","min_notional":"50000","sort":"notional"}`)
	require.Equal(t, http.StatusOK, code, string(body))
	var scanned struct {
		OK     bool `json:"ok"`
		Report struct {
			Records int      `json:"records"`
			Tickers []string `json:"tickers"`
		} `json:"report"`
		Records []market.ClassifiedRecord `json:"records"`
	}
	require.NoError(t, sonnet.Unmarshal(body, &scanned))
	assert.True(t, scanned.OK)
	assert.Equal(t, 1, scanned.Report.Records)
	assert.Equal(t, []string{"NVDA"}, scanned.Report.Tickers)
	require.Len(t, scanned.Records, 1)
	assert.Equal(t, market.TagBlock, scanned.Records[0].Tag)
	assert.Equal(t, "60000", scanned.Records[0].Notional.String())

	res, body := h.get(t, "/api/records")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), nvdaCall)

	res, body = h.get(t, "/api/export.csv")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/csv; charset=utf-8", res.Header.Get("Content-Type"))
	assert.Contains(t, res.Header.Get("Content-Disposition"), "whales_20250110_160000.csv")
	rows, err := csv.NewReader(bytes.NewReader(body)).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	res, body = h.get(t, "/api/status")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var status struct {
		HasKey     bool   `json:"has_key"`
		State      string `json:"state"`
		BufferSize int    `json:"buffer_size"`
		Sort       string `json:"sort"`
	}
	require.NoError(t, sonnet.Unmarshal(body, &status))
	assert.True(t, status.HasKey)
	assert.Equal(t, "idle", status.State, "state returns to idle after a merge")
	assert.Equal(t, 1, status.BufferSize)
	assert.Equal(t, "notional", status.Sort)
}

func TestScanRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.srv.SetAPIKey("k"))

	code, _ := h.post(t, "/api/scan", `{"tickers":[]}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.post(t, "/api/scan", `{"tickers":["NVDA"],"min_notional":-1}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.post(t, "/api/scan", ``)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestListenerAndRefreshControls(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.srv.SetAPIKey("k"))

	code, body := h.post(t, "/api/listener", `{"mode":"start"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, string(body), scan.ErrNoListener.Error())
	code, _ = h.post(t, "/api/listener", `{"mode":"jump"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = h.post(t, "/api/refresh", `{"enabled":true}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"enabled":true`)
	assert.True(t, h.srv.current().Session.Refresh.Enabled())
}

func TestInspectEndpoints(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.srv.SetAPIKey("k"))

	res, body := h.get(t, "/api/inspect?contract=I:SPX")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), `"parsed":false`)

	res, _ = h.get(t, "/api/inspect?contract=")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, body = h.get(t, "/api/inspect?contract="+nvdaCall)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), `"underlying":"NVDA"`)

	res, body = h.get(t, "/api/contracts?underlying=nvda&expiry=2025-01-17")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), nvdaCall)

	res, _ = h.get(t, "/api/contracts?underlying=nvda&expiry=jan")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestIndexPage(t *testing.T) {
	h := newHarness(t)
	res, body := h.get(t, "/")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "Live Scanner")

	res, _ = h.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

type wsMsg struct {
	Type    string                    `json:"type"`
	Text    string                    `json:"text"`
	Records []market.ClassifiedRecord `json:"records"`
	Record  market.ClassifiedRecord   `json:"record"`
}

func readMsg(t *testing.T, c *websocket.Conn) wsMsg {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var m wsMsg
	require.NoError(t, sonnet.Unmarshal(data, &m))
	return m
}

func TestWebsocketPushesAndPauses(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.srv.SetAPIKey("k"))
	rec := market.NewRecord(nvdaCall, 600, decimal.NewFromInt(10), decimal.NewFromInt(60_000), testNow, market.TagBlock)
	h.srv.current().Session.Buffer.PushFront(rec)

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "status", readMsg(t, c).Type)
	snap := readMsg(t, c)
	require.Equal(t, "snapshot", snap.Type)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, 1, h.srv.hub.count())

	h.srv.hub.publishRecord(rec)
	got := readMsg(t, c)
	assert.Equal(t, "record", got.Type)
	assert.Equal(t, nvdaCall, got.Record.Contract)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"control","action":"pause"}`)))
	assert.Equal(t, "Paused (this tab)", readMsg(t, c).Text)

	// records are dropped for a paused tab, status still arrives
	h.srv.hub.publishRecord(rec)
	h.srv.hub.status("info", "still here")
	m := readMsg(t, c)
	assert.Equal(t, "status", m.Type)
	assert.Equal(t, "still here", m.Text)

	c.Close()
	require.Eventually(t, func() bool { return h.srv.hub.count() == 0 }, time.Second, 10*time.Millisecond)
}

// deadFeed is a stream whose session is rejected on connect.
type deadFeed struct{}

func (deadFeed) Follow(params ...string)                    {}
func (deadFeed) Subscribe(key string) *polygon.Subscription { return polygon.NewSubscription(key) }
func (deadFeed) Unsubscribe(sub *polygon.Subscription)      { sub.Close() }
func (deadFeed) Run(ctx context.Context) error              { return polygon.ErrAuthFailed }

func TestStatusReportsDeadFeed(t *testing.T) {
	srv := NewServer(context.Background(), Options{
		Log: logger.Nop(),
		Open: func(ctx context.Context, apiKey string, ev Events) (*Backend, error) {
			sess := scan.NewSession(ctx, scan.SessionConfig{
				Gateway:       newGateway(),
				Feed:          deadFeed{},
				StartListener: true,
				Log:           logger.Nop(),
			})
			return &Backend{Session: sess}, nil
		},
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	require.NoError(t, srv.SetAPIKey("bad"))

	var status struct {
		ListenerRunning bool   `json:"listener_running"`
		ListenerError   string `json:"listener_error"`
	}
	require.Eventually(t, func() bool {
		res, err := http.Get(ts.URL + "/api/status")
		if err != nil {
			return false
		}
		defer res.Body.Close()
		b, _ := io.ReadAll(res.Body)
		return sonnet.Unmarshal(b, &status) == nil && status.ListenerError != ""
	}, time.Second, 10*time.Millisecond)
	assert.False(t, status.ListenerRunning)
	assert.Contains(t, status.ListenerError, "auth failed")
}
