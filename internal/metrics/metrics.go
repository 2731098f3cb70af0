// v0
// internal/metrics/metrics.go

// Package metrics exposes Prometheus collectors for pours, orders, rollups
// and the HTTP surface. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tapmonitor"

type Metrics struct {
	registry *prometheus.Registry

	pours             *prometheus.CounterVec
	dispensedGallons  *prometheus.CounterVec
	orders            *prometheus.CounterVec
	sensorReadErrors  *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec
	rollups           prometheus.Counter
	publishFailures   *prometheus.CounterVec
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	cbState           *prometheus.GaugeVec
}

// New registers every collector on a private registry, plus the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pours: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pours_total",
			Help:      "Completed pours reported as dispensed, by beverage.",
		}, []string{"beverage"}),
		dispensedGallons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispensed_gallons_total",
			Help:      "Gallons dispensed, by beverage.",
		}, []string{"beverage"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Reorders placed, by beverage.",
		}, []string{"beverage"}),
		sensorReadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_read_errors_total",
			Help:      "Skipped polling ticks caused by sensor read failures, by beverage.",
		}, []string{"beverage"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Inbound events dropped, by reason.",
		}, []string{"reason"}),
		rollups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollups_total",
			Help:      "Daily totals folded into the consumption history.",
		}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Failed outbound publishes, by sink.",
		}, []string{"sink"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		cbState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cb_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half open).",
		}, []string{"target"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.pours,
		m.dispensedGallons,
		m.orders,
		m.sensorReadErrors,
		m.eventsDropped,
		m.rollups,
		m.publishFailures,
		m.httpRequestsTotal,
		m.httpDuration,
		m.cbState,
	)
	return m
}

// Registry exposes the registry for tests and custom gatherers.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the exposition format of the private registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func label(beverage int) string { return strconv.Itoa(beverage + 1) }

// PourDispensed records a closed pour of amount gallons on a tap index.
func (m *Metrics) PourDispensed(beverage int, amount float64) {
	if m == nil {
		return
	}
	m.pours.WithLabelValues(label(beverage)).Inc()
	if amount > 0 {
		m.dispensedGallons.WithLabelValues(label(beverage)).Add(amount)
	}
}

func (m *Metrics) OrderPlaced(beverage int) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(label(beverage)).Inc()
}

func (m *Metrics) SensorReadError(beverage int) {
	if m == nil {
		return
	}
	m.sensorReadErrors.WithLabelValues(label(beverage)).Inc()
}

func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RollupDone() {
	if m == nil {
		return
	}
	m.rollups.Inc()
}

func (m *Metrics) PublishFailed(sink string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(sink).Inc()
}

// SetCircuitBreakerState mirrors a breaker state onto the cb_state gauge.
func (m *Metrics) SetCircuitBreakerState(target string, state float64) {
	if m == nil {
		return
	}
	m.cbState.WithLabelValues(target).Set(state)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts requests and observes latency for one route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)
		m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
