package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fundingwatcher"

// Metrics holds the watcher's Prometheus collectors on a private registry.
// All recording methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	ticks            *prometheus.CounterVec
	tickDuration     prometheus.Histogram
	fetchErrors      *prometheus.CounterVec
	readingsAccepted prometheus.Counter
	staleReadings    prometheus.Counter
	alerts           *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec
	alertsCapped     prometheus.Counter
	trackedSymbols   prometheus.Gauge
	httpRequests     *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Poll ticks by outcome.",
		}, []string{"outcome"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent processing one poll tick.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Exchange fetch failures by reason.",
		}, []string{"reason"}),
		readingsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_accepted_total",
			Help:      "Settlements that advanced a symbol's state.",
		}),
		staleReadings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_stale_total",
			Help:      "Settlements ignored because they were already processed.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts raised by kind.",
		}, []string{"kind"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Alerts dropped after exhausting retries, by channel.",
		}, []string{"channel"}),
		alertsCapped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_capped_total",
			Help:      "Alerts dropped by the hourly cap.",
		}),
		trackedSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_symbols",
			Help:      "Symbols currently in the policy registry.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests.",
		}, []string{"method", "endpoint", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks,
		m.tickDuration,
		m.fetchErrors,
		m.readingsAccepted,
		m.staleReadings,
		m.alerts,
		m.deliveryFailures,
		m.alertsCapped,
		m.trackedSymbols,
		m.httpRequests,
	)
	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware counts HTTP API requests.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if m == nil {
			return
		}
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// ObserveTick records one completed tick.
func (m *Metrics) ObserveTick(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(outcome).Inc()
	m.tickDuration.Observe(took.Seconds())
}

// FetchFailed counts a failed fetch.
func (m *Metrics) FetchFailed(reason string) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(reason).Inc()
}

// ReadingAccepted counts a settlement that advanced state.
func (m *Metrics) ReadingAccepted() {
	if m == nil {
		return
	}
	m.readingsAccepted.Inc()
}

// ReadingStale counts an ignored settlement.
func (m *Metrics) ReadingStale() {
	if m == nil {
		return
	}
	m.staleReadings.Inc()
}

// AlertRaised counts an alert of kind.
func (m *Metrics) AlertRaised(kind string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(kind).Inc()
}

// DeliveryFailed counts an alert dropped on channel.
func (m *Metrics) DeliveryFailed(channel string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(channel).Inc()
}

// AlertCapped counts an alert dropped by the hourly cap.
func (m *Metrics) AlertCapped() {
	if m == nil {
		return
	}
	m.alertsCapped.Inc()
}

// SetTracked sets the tracked symbol gauge.
func (m *Metrics) SetTracked(n int) {
	if m == nil {
		return
	}
	m.trackedSymbols.Set(float64(n))
}
