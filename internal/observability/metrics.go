package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by API and worker flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	eventsRoutedTotal     *prometheus.CounterVec
	deliveriesTotal       *prometheus.CounterVec
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryDuration      *prometheus.HistogramVec
	routerInflight        prometheus.Gauge
	ledgerWriteErrors     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "webhook_dispatcher",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "webhook_dispatcher",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		eventsRoutedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "webhook_dispatcher",
				Name:      "events_routed_total",
				Help:      "Events routed, labeled by event type and whether any endpoint matched.",
			},
			[]string{"event_type", "matched"},
		),
		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "webhook_dispatcher",
				Name:      "deliveries_total",
				Help:      "Logical deliveries by event type and terminal outcome.",
			},
			[]string{"event_type", "outcome"},
		),
		deliveryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "webhook_dispatcher",
				Name:      "delivery_attempts_total",
				Help:      "HTTP attempts by result class.",
			},
			[]string{"result"},
		),
		deliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "webhook_dispatcher",
				Name:      "delivery_duration_seconds",
				Help:      "Wall time of a logical delivery including retries and backoff.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"event_type", "outcome"},
		),
		routerInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "webhook_dispatcher",
				Name:      "router_inflight_deliveries",
				Help:      "Deliveries currently running in the router fan-out.",
			},
		),
		ledgerWriteErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "webhook_dispatcher",
				Name:      "ledger_write_errors_total",
				Help:      "Failed delivery log or endpoint counter writes.",
			},
			[]string{"operation"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.eventsRoutedTotal,
		m.deliveriesTotal,
		m.deliveryAttemptsTotal,
		m.deliveryDuration,
		m.routerInflight,
		m.ledgerWriteErrors,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncEventRouted(eventType string, matched bool) {
	if m == nil {
		return
	}
	m.eventsRoutedTotal.WithLabelValues(normalizeLabel(eventType), strconv.FormatBool(matched)).Inc()
}

func (m *Metrics) ObserveDelivery(eventType string, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	eventLabel := normalizeLabel(eventType)
	outcomeLabel := normalizeLabel(outcome)
	m.deliveriesTotal.WithLabelValues(eventLabel, outcomeLabel).Inc()
	m.deliveryDuration.WithLabelValues(eventLabel, outcomeLabel).Observe(max(duration.Seconds(), 0))
}

func (m *Metrics) IncDeliveryAttempt(result string) {
	if m == nil {
		return
	}
	m.deliveryAttemptsTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *Metrics) IncRouterInFlight() {
	if m == nil {
		return
	}
	m.routerInflight.Inc()
}

func (m *Metrics) DecRouterInFlight() {
	if m == nil {
		return
	}
	m.routerInflight.Dec()
}

func (m *Metrics) IncLedgerWriteError(operation string) {
	if m == nil {
		return
	}
	m.ledgerWriteErrors.WithLabelValues(normalizeLabel(operation)).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
