package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	transformFailures *prometheus.CounterVec
	outputBytes       *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "image_resize_api_requests_total",
			Help: "Total HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "image_resize_api_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		transformFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "image_resize_api_transform_failures_total",
			Help: "Resize requests that did not produce an image, by failure kind.",
		}, []string{"kind"}),
		outputBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "image_resize_api_output_bytes",
			Help:    "Size of encoded images returned to clients.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}, []string{"format"}),
	}
	reg.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.transformFailures,
		m.outputBytes,
	)
	return m
}

func (s *Server) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := recordStatus(w)
		next.ServeHTTP(recorder, r)

		route := routeLabel(r.URL.Path)
		status := strconv.Itoa(recorder.status)

		s.metrics.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		s.metrics.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

func routeLabel(path string) string {
	if path == "/health-check" {
		return "/health-check"
	}
	return "/{image}"
}
