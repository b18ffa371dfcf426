package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dohproxy/dohproxy/config"
	"github.com/dohproxy/dohproxy/middleware"
)

// Metrics type
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New return new metrics, collectors are registered on reg
func New(cfg *config.Config, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doh_requests_total",
				Help: "How many DoH requests processed",
			},
			[]string{"method", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "doh_request_duration_seconds",
				Help:    "Time spent answering DoH requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.requests, m.duration)
	}

	return m
}

// Name return middleware name
func (m *Metrics) Name() string { return name }

// ServeDoH implements the Handler interface.
func (m *Metrics) ServeDoH(ctx context.Context, ch *middleware.Chain) {
	start := time.Now()

	ch.Next(ctx)

	if !ch.Writer.Written() {
		return
	}

	method := methodLabel(ch.Request.Method)

	m.requests.With(
		prometheus.Labels{
			"method": method,
			"status": strconv.Itoa(ch.Writer.Status()),
		}).Inc()

	m.duration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// methodLabel bounds the label cardinality to the methods DoH knows.
func methodLabel(method string) string {
	switch method {
	case http.MethodGet, http.MethodPost:
		return method
	}

	return "other"
}

const name = "metrics"
