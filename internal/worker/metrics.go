package worker

import (
	"net/http"

	"github.com/freakifranky/image-creator/internal/domain"
	"github.com/freakifranky/image-creator/internal/pipeline"
	"github.com/freakifranky/image-creator/internal/retention"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry             *prometheus.Registry
	jobsTotal            *prometheus.CounterVec
	jobDuration          *prometheus.HistogramVec
	activeJobs           prometheus.Gauge
	variantOutputsTotal  prometheus.Counter
	budgetUnmetTotal     prometheus.Counter
	maskedPixelsTotal    prometheus.Counter
	outputBytes          prometheus.Histogram
	pixelsProcessedTotal prometheus.Counter
	bytesSavedTotal      prometheus.Counter
	computeTimeMSTotal   prometheus.Counter
	retentionRemoved     *prometheus.CounterVec
	retentionBytesTotal  prometheus.Counter
	webhookFailures      *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagecreator_worker_jobs_total",
			Help: "Total worker jobs by source type and final status.",
		}, []string{"source_type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imagecreator_worker_job_duration_seconds",
			Help:    "Total processing duration for each worker job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source_type", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imagecreator_worker_active_jobs",
			Help: "Current number of active processing jobs in the worker.",
		}),
		variantOutputsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagecreator_worker_variant_outputs_total",
			Help: "Total postprocessed variants emitted by the worker.",
		}),
		budgetUnmetTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagecreator_worker_budget_unmet_total",
			Help: "Variants whose output stayed above the byte budget at the minimum width.",
		}),
		maskedPixelsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagecreator_worker_masked_pixels_total",
			Help: "Pixels made transparent by background removal.",
		}),
		outputBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "imagecreator_worker_output_bytes",
			Help:    "Size of each emitted PNG in bytes.",
			Buckets: prometheus.ExponentialBuckets(16<<10, 2, 10),
		}),
		pixelsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagecreator_usage_pixels_processed_total",
			Help: "Total pixels processed across all successful jobs.",
		}),
		bytesSavedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagecreator_usage_bytes_saved_total",
			Help: "Total bytes saved across all successful jobs.",
		}),
		computeTimeMSTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagecreator_usage_compute_time_ms_total",
			Help: "Total compute time in milliseconds across successful jobs.",
		}),
		retentionRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagecreator_retention_removed_total",
			Help: "Expired outputs removed by the retention sweeper.",
		}, []string{"backend"}),
		retentionBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagecreator_retention_removed_bytes_total",
			Help: "Bytes of expired outputs removed by the retention sweeper.",
		}),
		webhookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagecreator_worker_webhook_failures_total",
			Help: "Webhook deliveries that failed after all attempts.",
		}, []string{"event"}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.variantOutputsTotal,
		m.budgetUnmetTotal,
		m.maskedPixelsTotal,
		m.outputBytes,
		m.pixelsProcessedTotal,
		m.bytesSavedTotal,
		m.computeTimeMSTotal,
		m.retentionRemoved,
		m.retentionBytesTotal,
		m.webhookFailures,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observeRetention(r retention.Report) {
	m.retentionRemoved.WithLabelValues("local").Add(float64(r.Files))
	m.retentionRemoved.WithLabelValues("object").Add(float64(r.Objects))
	m.retentionBytesTotal.Add(float64(r.Bytes))
}

func (m *metrics) observeOutputs(outputs []pipeline.Output) {
	for _, out := range outputs {
		m.outputBytes.Observe(float64(out.Bytes))
		m.maskedPixelsTotal.Add(float64(out.Masked))
		if !out.BudgetMet {
			m.budgetUnmetTotal.Inc()
		}
	}
	m.variantOutputsTotal.Add(float64(len(outputs)))
}

func (m *metrics) observeUsage(u domain.UsageLog) {
	m.pixelsProcessedTotal.Add(float64(u.PixelsProcessed))
	m.bytesSavedTotal.Add(float64(u.BytesSaved))
	m.computeTimeMSTotal.Add(float64(u.ComputeTimeMS))
}
