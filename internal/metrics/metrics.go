// Package metrics provides Prometheus instrumentation for the trading engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts trade attempts, partitioned by side and outcome
	// (ok or the error kind).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocksim_trades_total",
		Help: "Total number of trade attempts",
	}, []string{"side", "outcome"})

	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stocksim_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeNotional tracks cumulative USD traded per ticker.
	TradeNotional = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocksim_trade_notional_usd_total",
		Help: "Cumulative trade notional in USD",
	}, []string{"ticker", "side"})

	// CompanyPrice is the last committed price per ticker.
	CompanyPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stocksim_company_price",
		Help: "Last committed company price",
	}, []string{"ticker"})

	// LockTimeouts counts requests rejected as busy.
	LockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stocksim_lock_timeouts_total",
		Help: "Requests rejected after waiting too long for an entity lock",
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stocksim_sweep_duration_seconds",
		Help:    "Revaluation sweep duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// SweepCoalesced counts sweep requests folded into an already pending run.
	SweepCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stocksim_sweep_coalesced_total",
		Help: "Sweep submissions coalesced into a pending run",
	})

	// SweepFailures counts per-user recomputations that exhausted retries.
	SweepFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stocksim_sweep_failures_total",
		Help: "Portfolio recomputations that failed after all retries",
	})

	// PriceRefreshes counts external quote refreshes by outcome.
	PriceRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocksim_price_refreshes_total",
		Help: "External price refresh attempts",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stocksim_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocksim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stocksim_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
