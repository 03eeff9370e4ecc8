// Package metrics provides Prometheus instrumentation for the margin engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts filled orders, partitioned by side.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_orders_total",
		Help: "Total number of filled orders",
	}, []string{"side"})

	// OrderRejections counts rejected orders by error class.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_order_rejections_total",
		Help: "Orders rejected during validation",
	}, []string{"reason"})

	// OrderLatency tracks order execution latency in seconds.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "margin_order_latency_seconds",
		Help:    "Order execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// OpenPositions tracks the number of open positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "margin_open_positions",
		Help: "Number of currently open positions",
	})

	// PriceUpdates counts applied price ticks per symbol.
	PriceUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_price_updates_total",
		Help: "Price ticks applied to the market price table",
	}, []string{"symbol"})

	// EvaluationDuration tracks how long one risk evaluation pass takes.
	EvaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "margin_evaluation_duration_seconds",
		Help:    "Risk evaluation pass duration in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"trigger"})

	// RiskNotifications counts emitted tier notifications.
	RiskNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_risk_notifications_total",
		Help: "Risk tier notifications emitted",
	}, []string{"tier"})

	// Liquidations counts executed liquidations by kind (full, partial, emergency).
	Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_liquidations_total",
		Help: "Liquidations executed",
	}, []string{"kind"})

	// LiquidationFailures counts liquidations that errored and were left for retry.
	LiquidationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "margin_liquidation_failures_total",
		Help: "Liquidation executions that failed",
	})

	// LiquidationQueueDepth tracks the number of queued positions.
	LiquidationQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "margin_liquidation_queue_depth",
		Help: "Positions waiting in the liquidation queue",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "margin_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "margin_http_request_duration_seconds",
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

		path := r.URL.Path
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
