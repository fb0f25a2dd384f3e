package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the service's collectors. It implements port.Recorder.
type Metrics struct {
	gatherer prometheus.Gatherer

	Operations      *prometheus.CounterVec
	Swept           prometheus.Counter
	RequestTotal    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New registers the collectors with reg. Passing a fresh registry keeps
// tests independent of the process-wide default.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		Operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reservation_operations_total",
				Help: "Reservation operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		Swept: factory.NewCounter(prometheus.CounterOpts{
			Name: "reservation_swept_total",
			Help: "Reservations retired by the expiry sweep",
		}),
		RequestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

func (m *Metrics) RecordOperation(op, outcome string) {
	m.Operations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) RecordSwept(count int) {
	if count > 0 {
		m.Swept.Add(float64(count))
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// NormalizePath keeps the first two path segments so ids do not explode the
// label cardinality: /api/reservations/vase-1 becomes api/reservations.
func NormalizePath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	if joined := strings.Join(parts, "/"); joined != "" {
		return joined
	}
	return "root"
}

func (m *Metrics) Middleware(c *gin.Context) {
	if c.Request.URL.Path == "/metrics" {
		c.Next()
		return
	}
	start := time.Now()
	c.Next()
	duration := time.Since(start).Seconds()
	path := NormalizePath(c.Request.URL.Path)
	status := strconv.Itoa(c.Writer.Status())
	m.RequestTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	m.RequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
}
