package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/freakifranky/image-creator/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry          *prometheus.Registry
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rateLimitRejected *prometheus.CounterVec
	queueEnqueued     *prometheus.CounterVec
	uploadBytes       prometheus.Histogram
	outputBytes       prometheus.Histogram
	postprocessTime   *prometheus.HistogramVec
	budgetCandidates  prometheus.Histogram
	budgetUnmet       prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagecreator_api_requests_total",
			Help: "Total HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imagecreator_api_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagecreator_api_rate_limit_rejections_total",
			Help: "Total API requests rejected by rate limiting.",
		}, []string{"route"}),
		queueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagecreator_queue_jobs_enqueued_total",
			Help: "Total jobs enqueued to the processing queue.",
		}, []string{"queue"}),
		uploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "imagecreator_api_postprocess_upload_bytes",
			Help:    "Size of images received by the synchronous postprocess endpoint.",
			Buckets: prometheus.ExponentialBuckets(16<<10, 2, 12),
		}),
		outputBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "imagecreator_api_postprocess_output_bytes",
			Help:    "Size of PNGs returned by the synchronous postprocess endpoint.",
			Buckets: prometheus.ExponentialBuckets(16<<10, 2, 10),
		}),
		postprocessTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imagecreator_api_postprocess_duration_seconds",
			Help:    "Time spent decoding, removing backgrounds and compressing per request.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"transparent", "budget"}),
		budgetCandidates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "imagecreator_api_budget_candidates",
			Help:    "Encodings tried by the budget compressor per request.",
			Buckets: prometheus.LinearBuckets(1, 1, 12),
		}),
		budgetUnmet: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagecreator_api_budget_unmet_total",
			Help: "Synchronous postprocess responses that stayed above the requested byte budget.",
		}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.rateLimitRejected,
		m.queueEnqueued,
		m.uploadBytes,
		m.outputBytes,
		m.postprocessTime,
		m.budgetCandidates,
		m.budgetUnmet,
	)
	return m
}

func (m *metrics) observePostprocess(inputBytes int, opts pipeline.Options, img pipeline.Image, elapsed time.Duration) {
	m.uploadBytes.Observe(float64(inputBytes))
	m.outputBytes.Observe(float64(len(img.Data)))
	m.postprocessTime.WithLabelValues(
		strconv.FormatBool(opts.TransparentBackground),
		strconv.FormatBool(opts.MaxBytes > 0),
	).Observe(elapsed.Seconds())
	if img.Compressed {
		m.budgetCandidates.Observe(float64(img.Candidates))
	}
	if !img.BudgetMet {
		m.budgetUnmet.Inc()
	}
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routeLabel(r.URL.Path)
		status := statusLabel(recorder.status)

		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

func statusLabel(status int) string {
	return strconv.Itoa(status)
}

func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/postprocess"):
		return "/v1/postprocess"
	case strings.HasPrefix(path, "/v1/jobs/") && strings.HasSuffix(path, "/start"):
		return "/v1/jobs/{id}/start"
	case strings.HasPrefix(path, "/v1/jobs/") && strings.Contains(path, "/outputs/"):
		return "/v1/jobs/{id}/outputs/{variant}"
	case strings.HasPrefix(path, "/v1/jobs/"):
		return "/v1/jobs/{id}"
	case strings.HasPrefix(path, "/v1/jobs"):
		return "/v1/jobs"
	case strings.HasPrefix(path, "/v1/usage"):
		return "/v1/usage"
	case strings.HasPrefix(path, "/healthz"):
		return "/healthz"
	case strings.HasPrefix(path, "/metrics"):
		return "/metrics"
	default:
		return path
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
