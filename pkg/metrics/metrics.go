// Package metrics exposes node counters to Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hyperbid"

type Metrics struct {
	registry *prometheus.Registry

	txTotal            *prometheus.CounterVec
	eventsTotal        *prometheus.CounterVec
	blockHeight        prometheus.Gauge
	blockTxs           prometheus.Histogram
	mempoolSize        prometheus.Gauge
	pendingSettlements prometheus.Gauge
	escrowBalance      prometheus.Gauge
	requestCounter     *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		txTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "tx_total",
			Help:      "Executed marketplace transactions by type and result kind",
		}, []string{"type", "result"}),
		eventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "events_total",
			Help:      "Committed marketplace events by kind",
		}, []string{"kind"}),
		blockHeight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "height",
			Help:      "Last committed block height",
		}),
		blockTxs: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "block_txs",
			Help:      "Transactions per committed block",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		}),
		mempoolSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "mempool_size",
			Help:      "Pending transactions",
		}),
		pendingSettlements: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "pending_settlements",
			Help:      "Active auctions past their end time awaiting end_auction",
		}),
		escrowBalance: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "escrow_balance",
			Help:      "Funds held by the marketplace escrow account",
		}),
		requestCounter: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of API requests",
		}, []string{"method", "route", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "API request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests. It is nil for a nil *Metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveTx(txType, result string) {
	if m == nil {
		return
	}
	m.txTotal.WithLabelValues(txType, result).Inc()
}

func (m *Metrics) ObserveEvent(kind string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveBlock(height int64, txs, mempool, pendingSettlements int, escrow int64) {
	if m == nil {
		return
	}
	m.blockHeight.Set(float64(height))
	m.blockTxs.Observe(float64(txs))
	m.mempoolSize.Set(float64(mempool))
	m.pendingSettlements.Set(float64(pendingSettlements))
	m.escrowBalance.Set(float64(escrow))
}

// Middleware records request counts and latency labelled by mux route
// template, so /assets/1 and /assets/2 share a series.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		m.requestCounter.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (r *statusRecorder) Hijack() (c net.Conn, rw *bufio.ReadWriter, err error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
