// Package metrics owns the Prometheus collectors of canstream-server and the
// /metrics handler. All methods are safe on a nil *Metrics, which lets tests
// and library callers leave instrumentation out.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "canstream"

// Metrics groups every collector registered by the server.
type Metrics struct {
	registry *prometheus.Registry

	ingested           *prometheus.CounterVec
	rejected           *prometheus.CounterVec
	timestampFallbacks prometheus.Counter
	broadcastDropped   *prometheus.CounterVec
	subscribers        prometheus.Gauge
	pubsubState        *prometheus.GaugeVec
	pubsubReconnects   *prometheus.CounterVec
	alertsFired        *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New creates a Metrics with its own registry, including Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "records_total",
			Help:      "Records accepted into the history store, by source label.",
		}, []string{"source"}),

		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rejected_total",
			Help:      "Events rejected as invalid messages, by offending field.",
		}, []string{"field"}),

		timestampFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "timestamp_fallbacks_total",
			Help:      "Events whose timestamp was replaced by ingestion time.",
		}),

		broadcastDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "dropped_total",
			Help:      "Notifications not delivered to a subscriber, by overflow policy.",
		}, []string{"policy"}),

		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "subscribers",
			Help:      "Currently connected live subscribers.",
		}),

		pubsubState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pubsub",
			Name:      "state",
			Help:      "Broker connection state (0=disconnected, 1=connecting, 2=connected).",
		}, []string{"driver"}),

		pubsubReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pubsub",
			Name:      "connect_attempts_total",
			Help:      "Broker connection attempts, by driver and result.",
		}, []string{"driver", "result"}),

		alertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "fired_total",
			Help:      "Frame alert rules that fired, by rule name.",
		}, []string{"rule"}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served, by route pattern and status code.",
		}, []string{"route", "code"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency, by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ingested,
		m.rejected,
		m.timestampFallbacks,
		m.broadcastDropped,
		m.subscribers,
		m.pubsubState,
		m.pubsubReconnects,
		m.alertsFired,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterStoreKeys exposes the store's key count as a gauge evaluated at scrape time.
func (m *Metrics) RegisterStoreKeys(count func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "keys",
		Help:      "Distinct canonical keys held in the history store.",
	}, func() float64 { return float64(count()) }))
}

func (m *Metrics) Ingested(source string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(source).Inc()
}

func (m *Metrics) Rejected(field string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(field).Inc()
}

func (m *Metrics) TimestampFallback() {
	if m == nil {
		return
	}
	m.timestampFallbacks.Inc()
}

func (m *Metrics) BroadcastDropped(policy string) {
	if m == nil {
		return
	}
	m.broadcastDropped.WithLabelValues(policy).Inc()
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) SetPubSubState(driver string, state int) {
	if m == nil {
		return
	}
	m.pubsubState.WithLabelValues(driver).Set(float64(state))
}

func (m *Metrics) ConnectAttempt(driver string, ok bool) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "ok"
	}
	m.pubsubReconnects.WithLabelValues(driver, result).Inc()
}

func (m *Metrics) AlertFired(rule string) {
	if m == nil {
		return
	}
	m.alertsFired.WithLabelValues(rule).Inc()
}

// HTTPRequest records one served request. route is the router pattern, not
// the raw path, to keep label cardinality bounded.
func (m *Metrics) HTTPRequest(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
