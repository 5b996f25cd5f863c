package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scan metrics
	Scans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whalescan_scans_total",
			Help: "Total number of backfill scans",
		},
		[]string{"outcome"}, // merged|superseded|canceled|empty
	)

	ScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "whalescan_scan_duration_seconds",
			Help:    "Backfill scan duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	UnitsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whalescan_units_skipped_total",
			Help: "Tickers or contracts skipped during a scan",
		},
		[]string{"reason"},
	)

	// Gateway metrics
	GatewayCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whalescan_gateway_calls_total",
			Help: "Total number of market data REST calls",
		},
		[]string{"endpoint", "status"}, // status: success|error|rate_limited|not_found|timeout
	)

	GatewayLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whalescan_gateway_latency_seconds",
			Help:    "Market data REST latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"endpoint"},
	)

	// Record metrics
	RecordsClassified = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whalescan_records_total",
			Help: "Records that passed the notional threshold, by tag and source",
		},
		[]string{"tag", "source"}, // source: scan|live
	)

	BufferSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "whalescan_buffer_rows",
			Help: "Rows currently held in the live buffer",
		},
	)

	// Stream metrics
	LiveEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whalescan_live_events_total",
			Help: "Streaming events received, by kind",
		},
		[]string{"kind"}, // kind: trade|bar
	)

	StreamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "whalescan_stream_reconnects_total",
			Help: "Streaming socket reconnect attempts",
		},
	)

	DashboardClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "whalescan_dashboard_clients",
			Help: "Connected dashboard websocket clients",
		},
	)
)

var once sync.Once

// Init registers every collector with the default registry. Safe to call twice.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(Scans, ScanDuration, UnitsSkipped)
		prometheus.MustRegister(GatewayCalls, GatewayLatency)
		prometheus.MustRegister(RecordsClassified, BufferSize)
		prometheus.MustRegister(LiveEvents, StreamReconnects, DashboardClients)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordScan(outcome string, duration time.Duration) {
	Scans.WithLabelValues(outcome).Inc()
	ScanDuration.Observe(duration.Seconds())
}

func RecordGatewayCall(endpoint, status string, latency time.Duration) {
	GatewayCalls.WithLabelValues(endpoint, status).Inc()
	GatewayLatency.WithLabelValues(endpoint).Observe(latency.Seconds())
}

func RecordSkip(reason string) {
	UnitsSkipped.WithLabelValues(reason).Inc()
}

func RecordClassified(tag, source string) {
	RecordsClassified.WithLabelValues(tag, source).Inc()
}

func SetBufferSize(n int) {
	BufferSize.Set(float64(n))
}
