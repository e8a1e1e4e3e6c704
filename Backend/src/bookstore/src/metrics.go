package main

import (
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Resultados de un intento de checkout, usados como etiqueta.
const (
	outcomeCommitted         = "committed"
	outcomeReplayed          = "replayed"
	outcomeInvalidInput      = "invalid_input"
	outcomeBookNotFound      = "book_not_found"
	outcomeInsufficientStock = "insufficient_stock"
	outcomeStockChanged      = "stock_changed"
	outcomeAborted           = "aborted"
	outcomePersistence       = "persistence_failure"
)

type Metrics struct {
	reg              *prometheus.Registry
	Checkouts        *prometheus.CounterVec
	CheckoutDuration prometheus.Histogram
	Requests         *prometheus.CounterVec
	LatencyMS        *prometheus.HistogramVec
}

// NewMetrics usa un registro propio para que varias instancias (tests) no choquen.
func NewMetrics(service string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: service,
			Name:      "checkout_attempts_total",
			Help:      "Checkout attempts by terminal outcome.",
		}, []string{"outcome"}),
		CheckoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: service,
			Name:      "checkout_duration_seconds",
			Help:      "Time from request received to terminal checkout state.",
			Buckets:   prometheus.DefBuckets,
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: service,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: service,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"route"}),
	}
	reg.MustRegister(m.Checkouts, m.CheckoutDuration, m.Requests, m.LatencyMS,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) instrument(route string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := httpsnoop.CaptureMetrics(h, w, r)
		m.Requests.WithLabelValues(route, strconv.Itoa(snap.Code)).Inc()
		m.LatencyMS.WithLabelValues(route).Observe(float64(snap.Duration.Milliseconds()))
	})
}
