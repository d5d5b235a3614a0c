package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every carewallet metric. A nil *Collector is valid and
// records nothing, so services can be built without metrics in tests.
type Collector struct {
	gatherer prometheus.Gatherer

	transfersTotal       *prometheus.CounterVec
	casRetriesTotal      prometheus.Counter
	notificationsDropped prometheus.Counter
	mismatchedAccounts   prometheus.Gauge
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
}

// NewCollector registers the metrics on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func NewCollector(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Collector {
	c := &Collector{
		gatherer: gatherer,
		transfersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carewallet_transfers_total",
				Help: "Total number of ledger transfers by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		casRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carewallet_ledger_cas_retries_total",
			Help: "Total number of transfer retries caused by account version conflicts",
		}),
		notificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carewallet_notifications_dropped_total",
			Help: "Total number of notifications dropped because a subscriber buffer was full",
		}),
		mismatchedAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "carewallet_ledger_mismatched_accounts",
			Help: "Accounts whose balance disagrees with their transaction legs at the last reconciliation",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carewallet_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "carewallet_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	reg.MustRegister(
		c.transfersTotal,
		c.casRetriesTotal,
		c.notificationsDropped,
		c.mismatchedAccounts,
		c.httpRequestsTotal,
		c.httpRequestDuration,
	)
	return c
}

func (c *Collector) RecordTransfer(txType, outcome string) {
	if c == nil {
		return
	}
	c.transfersTotal.WithLabelValues(txType, outcome).Inc()
}

func (c *Collector) RecordCASRetry() {
	if c == nil {
		return
	}
	c.casRetriesTotal.Inc()
}

func (c *Collector) RecordNotificationDropped() {
	if c == nil {
		return
	}
	c.notificationsDropped.Inc()
}

func (c *Collector) SetMismatchedAccounts(n int) {
	if c == nil {
		return
	}
	c.mismatchedAccounts.Set(float64(n))
}

func (c *Collector) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler serves the registered metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
