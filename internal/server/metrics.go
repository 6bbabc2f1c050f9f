package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ironsheep/image-upscaler/internal/pipeline"
)

const (
	metricsNamespace = "upscaler"

	labelRoute  = "route"
	labelMethod = "method"
	labelStatus = "status"
	labelState  = "state"
	labelCode   = "error_code"
)

// Metrics holds the service's Prometheus collectors on a private registry,
// so several servers (and tests) can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	inFlight prometheus.Gauge
	stages   *prometheus.HistogramVec
	outcomes *prometheus.CounterVec
	errors   *prometheus.CounterVec
	outBytes prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{labelRoute, labelMethod, labelStatus}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{labelRoute}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "requests_in_flight",
			Help:      "Requests currently being served.",
		}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "pipeline_stage_seconds",
			Help:      "Time spent reaching each pipeline state.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{labelState}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pipeline_outcomes_total",
			Help:      "Requests by terminal pipeline state.",
		}, []string{labelState}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "errors_total",
			Help:      "Error responses by machine-readable code.",
		}, []string{labelCode}),
		outBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "output_bytes",
			Help:      "Size of encoded output images.",
			Buckets:   prometheus.ExponentialBuckets(16*1024, 4, 8),
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.latency, m.inFlight, m.stages, m.outcomes, m.errors, m.outBytes,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTransition implements pipeline.Observer.
func (m *Metrics) ObserveTransition(_, to pipeline.State, elapsed time.Duration) {
	m.stages.WithLabelValues(to.String()).Observe(elapsed.Seconds())
	if to.Terminal() {
		m.outcomes.WithLabelValues(to.String()).Inc()
	}
}

func (m *Metrics) observeError(code string) {
	m.errors.WithLabelValues(code).Inc()
}

func (m *Metrics) observeOutput(size int) {
	m.outBytes.Observe(float64(size))
}

// middleware records per-route request metrics. It must be installed with
// Router.Use so the matched route is known.
func (m *Metrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		m.inFlight.Inc()
		defer m.inFlight.Dec()

		rec := wrapRecorder(w)
		start := time.Now()
		next.ServeHTTP(rec, r)

		m.latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
	})
}
