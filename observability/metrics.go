package observability

import (
	"context"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// RPCMetrics wraps the collectors tracking JSON-RPC traffic on the node. The
// Prometheus vectors feed the scrape endpoint; the otel instruments feed the
// OTLP pipeline when one is configured.
type RPCMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec

	meter           metric.Meter
	requestCounter  metric.Int64Counter
	latencyHist     metric.Float64Histogram
	throttleCounter metric.Int64Counter
}

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *RPCMetrics

	settlerMetricsOnce sync.Once
	settlerRegistry    *SettlerdMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics
)

// RPC returns the lazily-initialised metrics registry used to record JSON-RPC
// activity.
func RPC() *RPCMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &RPCMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "raftex",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method.",
			}, []string{"method"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "raftex",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "raftex",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by the per-source rate limiter.",
			}, []string{"method"}),
		}
		prometheus.MustRegister(
			rpcRegistry.requests,
			rpcRegistry.latency,
			rpcRegistry.throttles,
		)
		rpcRegistry.initMeter()
	})
	return rpcRegistry
}

func (m *RPCMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("raftex/rpc")
	requestCounter, err := meter.Int64Counter("raftex.rpc.requests")
	if err != nil {
		meter = noop.NewMeterProvider().Meter("raftex/rpc")
		requestCounter, _ = meter.Int64Counter("raftex.rpc.requests")
	}
	latencyHist, err := meter.Float64Histogram("raftex.rpc.duration_seconds")
	if err != nil {
		meter = noop.NewMeterProvider().Meter("raftex/rpc")
		latencyHist, _ = meter.Float64Histogram("raftex.rpc.duration_seconds")
	}
	throttleCounter, err := meter.Int64Counter("raftex.rpc.throttles")
	if err != nil {
		meter = noop.NewMeterProvider().Meter("raftex/rpc")
		throttleCounter, _ = meter.Int64Counter("raftex.rpc.throttles")
	}
	m.meter = meter
	m.requestCounter = requestCounter
	m.latencyHist = latencyHist
	m.throttleCounter = throttleCounter
}

// Observe records one handled request and its latency.
func (m *RPCMetrics) Observe(method string, duration time.Duration) {
	if m == nil {
		return
	}
	if method = strings.TrimSpace(method); method == "" {
		method = "unknown"
	}
	m.requests.WithLabelValues(method).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
	if m.requestCounter != nil {
		m.requestCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("method", method)))
	}
	if m.latencyHist != nil {
		m.latencyHist.Record(context.Background(), duration.Seconds(), metric.WithAttributes(attribute.String("method", method)))
	}
}

// RecordThrottle increments the throttle counter for the supplied method.
func (m *RPCMetrics) RecordThrottle(method string) {
	if m == nil {
		return
	}
	if method = strings.TrimSpace(method); method == "" {
		method = "unknown"
	}
	m.throttles.WithLabelValues(method).Inc()
	if m.throttleCounter != nil {
		m.throttleCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("method", method)))
	}
}

// SettlerdMetrics wraps collectors tracking settlement worker health.
type SettlerdMetrics struct {
	resolveLatency *prometheus.HistogramVec
	resolutions    *prometheus.CounterVec
	errors         *prometheus.CounterVec
	pending        prometheus.Gauge
}

// Settlerd exposes the metrics registry for the settlement daemon.
func Settlerd() *SettlerdMetrics {
	settlerMetricsOnce.Do(func() {
		settlerRegistry = &SettlerdMetrics{
			resolveLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "raftex",
				Subsystem: "settlerd",
				Name:      "resolve_latency_seconds",
				Help:      "Latency distribution from transfer pickup to resolution.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"token"}),
			resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "raftex",
				Subsystem: "settlerd",
				Name:      "resolutions_total",
				Help:      "Count of resolved transfers segmented by token and outcome.",
			}, []string{"token", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "raftex",
				Subsystem: "settlerd",
				Name:      "errors_total",
				Help:      "Count of settlement worker failures segmented by stage.",
			}, []string{"stage"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "raftex",
				Subsystem: "settlerd",
				Name:      "pending_transfers",
				Help:      "Number of transfers awaiting resolution at the last poll.",
			}),
		}
		prometheus.MustRegister(
			settlerRegistry.resolveLatency,
			settlerRegistry.resolutions,
			settlerRegistry.errors,
			settlerRegistry.pending,
		)
	})
	return settlerRegistry
}

// ObserveResolve records a completed resolution attempt and its outcome.
func (m *SettlerdMetrics) ObserveResolve(token, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	label := labelToken(token)
	m.resolveLatency.WithLabelValues(label).Observe(d.Seconds())
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unknown"
	}
	m.resolutions.WithLabelValues(label, outcome).Inc()
}

// RecordError increments the error counter for the supplied stage.
func (m *SettlerdMetrics) RecordError(stage string) {
	if m == nil {
		return
	}
	if stage = strings.TrimSpace(stage); stage == "" {
		stage = "unspecified"
	}
	m.errors.WithLabelValues(stage).Inc()
}

// SetPending updates the pending transfer gauge.
func (m *SettlerdMetrics) SetPending(count int) {
	if m == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	m.pending.Set(float64(count))
}

// LedgerMetrics bundles gauges mirroring the dual debt ledgers so dashboards
// can watch pooled versus individual exposure drift.
type LedgerMetrics struct {
	poolValue prometheus.Gauge
	bookValue prometheus.Gauge
	height    prometheus.Gauge
}

// Ledger exposes the metrics registry for debt ledger snapshots.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			poolValue: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "raftex",
				Subsystem: "ledger",
				Name:      "pool_value",
				Help:      "Mark-to-market value of the pooled debt ledger in settlement units.",
			}),
			bookValue: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "raftex",
				Subsystem: "ledger",
				Name:      "book_value",
				Help:      "Mark-to-market value of the individual account book in settlement units.",
			}),
			height: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "raftex",
				Subsystem: "ledger",
				Name:      "state_height",
				Help:      "Height of the last committed state transition.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.poolValue,
			ledgerRegistry.bookValue,
			ledgerRegistry.height,
		)
	})
	return ledgerRegistry
}

// RecordSnapshot updates the ledger gauges from a state snapshot.
func (m *LedgerMetrics) RecordSnapshot(height uint64, poolValue, bookValue *big.Int) {
	if m == nil {
		return
	}
	m.height.Set(float64(height))
	m.poolValue.Set(bigToFloat(poolValue))
	m.bookValue.Set(bigToFloat(bookValue))
}

func labelToken(token string) string {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
