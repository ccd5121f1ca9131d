package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/freakifranky/image-creator/internal/codec"
	"github.com/freakifranky/image-creator/internal/config"
	"github.com/freakifranky/image-creator/internal/domain"
	"github.com/freakifranky/image-creator/internal/pipeline"
	"github.com/freakifranky/image-creator/internal/queue"
	"github.com/freakifranky/image-creator/internal/raster"
	"github.com/freakifranky/image-creator/internal/retention"
	"github.com/freakifranky/image-creator/internal/storage"
	"github.com/freakifranky/image-creator/internal/store"
	"github.com/freakifranky/image-creator/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger          *log.Logger
	server          *asynq.Server
	sem             chan struct{}
	localProcessor  processor
	objectProcessor processor
	webhookClient   webhookSender
	jobStore        store.JobStore
	usageStore      store.UsageStore
	metrics         *metrics
	tracer          trace.Tracer
}

type processor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// NewServer wires the asynq server to the postprocess pipeline. A nil
// objectStore limits the worker to local_file jobs.
func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	post *pipeline.Postprocessor,
	objectStore pipeline.ObjectStore,
	webhookClient webhookSender,
	jobStore store.JobStore,
	usageStore store.UsageStore,
) (*Server, error) {
	localProcessor, err := pipeline.NewLocalProcessor(post, workerCfg.LocalOutputDir)
	if err != nil {
		return nil, fmt.Errorf("initialize pipeline processor: %w", err)
	}

	var objectProcessor processor
	if objectStore != nil {
		p, err := pipeline.NewObjectStoreProcessor(post, objectStore, workerCfg.OutputPrefix)
		if err != nil {
			return nil, fmt.Errorf("initialize object-store processor: %w", err)
		}
		objectProcessor = p
	}

	if usageStore == nil {
		if jobAndUsageStore, ok := jobStore.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:             make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		localProcessor:  localProcessor,
		objectProcessor: objectProcessor,
		webhookClient:   webhookClient,
		jobStore:        jobStore,
		usageStore:      usageStore,
		metrics:         newMetrics(),
		tracer:          otel.Tracer("image-creator/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypePostprocessImage, s.handlePostprocessImage)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// ObserveRetention feeds sweeper reports into the worker registry.
func (s *Server) ObserveRetention(r retention.Report) {
	s.metrics.observeRetention(r)
}

func (s *Server) handlePostprocessImage(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParsePostprocessImagePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.postprocess_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
		attribute.Int("job.variants", len(payload.Variants)),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(payload.SourceType, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(payload.SourceType, outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Printf(
		"postprocess start job_id=%s source_type=%s variants=%d object_key=%s",
		payload.JobID,
		payload.SourceType,
		len(payload.Variants),
		payload.ObjectKey,
	)
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	result, err := s.process(ctx, pipeline.Request{
		JobID:      payload.JobID,
		SourceType: payload.SourceType,
		ObjectKey:  payload.ObjectKey,
		Variants:   payload.Variants,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")

		giveUp := permanent(err) || finalAttempt(ctx)
		if !giveUp {
			outcome = "retrying"
			s.updateJobStatus(ctx, payload.JobID, domain.JobStatusQueued)
			return fmt.Errorf("run pipeline: %w", err)
		}

		s.updateJobStatus(ctx, payload.JobID, domain.JobStatusFailed)
		event := newJobEvent(payload, domain.JobStatusFailed)
		event.Error = err.Error()
		s.dispatchWebhook(ctx, payload, webhook.EventJobFailed, event)
		if permanent(err) {
			return fmt.Errorf("run pipeline: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("run pipeline: %w", err)
	}

	for _, out := range result.Outputs {
		s.logger.Printf(
			"variant done job_id=%s variant=%s bytes=%d width=%d height=%d budget_met=%t masked=%d",
			payload.JobID, out.VariantID, out.Bytes, out.Width, out.Height, out.BudgetMet, out.Masked,
		)
	}
	s.metrics.observeOutputs(result.Outputs)

	outcome = domain.JobStatusSucceeded
	s.logger.Printf("postprocess done job_id=%s outputs=%d elapsed=%s", payload.JobID, len(result.Outputs), time.Since(startedAt).Round(time.Millisecond))
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusSucceeded)
	s.recordUsage(ctx, payload.JobID, result, time.Since(startedAt))

	event := newJobEvent(payload, domain.JobStatusSucceeded)
	event.Outputs = result.Outputs
	s.dispatchWebhook(ctx, payload, webhook.EventJobCompleted, event)

	span.SetStatus(codes.Ok, "processed")
	return nil
}

// jobEvent is the webhook body for job.completed and job.failed.
type jobEvent struct {
	JobID       string            `json:"job_id"`
	Status      string            `json:"status"`
	SourceType  string            `json:"source_type"`
	ObjectKey   string            `json:"object_key"`
	RequestedAt time.Time         `json:"requested_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	Outputs     []pipeline.Output `json:"outputs,omitempty"`
	Error       string            `json:"error,omitempty"`
}

func newJobEvent(payload queue.PostprocessImagePayload, status string) jobEvent {
	return jobEvent{
		JobID:       payload.JobID,
		Status:      status,
		SourceType:  payload.SourceType,
		ObjectKey:   payload.ObjectKey,
		RequestedAt: payload.RequestedAt,
		FinishedAt:  time.Now().UTC(),
	}
}

func (s *Server) process(ctx context.Context, req pipeline.Request) (pipeline.Result, error) {
	switch req.SourceType {
	case domain.SourceTypeLocalFile:
		return s.localProcessor.Process(ctx, req)
	default:
		if s.objectProcessor == nil {
			return pipeline.Result{}, fmt.Errorf("%w: %s (object storage disabled)", pipeline.ErrUnsupportedSourceType, req.SourceType)
		}
		return s.objectProcessor.Process(ctx, req)
	}
}

// permanent reports errors that a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, codec.ErrDecode) ||
		errors.Is(err, raster.ErrDegenerateGeometry) ||
		errors.Is(err, pipeline.ErrUnsupportedSourceType) ||
		errors.Is(err, storage.ErrObjectTooLarge)
}

// finalAttempt reports whether asynq will not retry the running task again.
// Outside a task context it reports true.
func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Printf("job status update failed job_id=%s status=%s err=%v", jobID, status, err)
	}
}

// dispatchWebhook never fails the task: the outputs already exist and a retry
// would postprocess the job a second time.
func (s *Server) dispatchWebhook(ctx context.Context, payload queue.PostprocessImagePayload, event string, body jobEvent) {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return
	}
	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", payload.JobID, event, err)
		s.metrics.webhookFailures.WithLabelValues(event).Inc()
	}
}

func (s *Server) recordUsage(ctx context.Context, jobID string, result pipeline.Result, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	userID := "anonymous"
	if s.jobStore != nil {
		job, ok, err := s.jobStore.Get(ctx, jobID)
		if err != nil {
			s.logger.Printf("usage lookup failed job_id=%s err=%v", jobID, err)
		} else if ok && strings.TrimSpace(job.UserID) != "" {
			userID = job.UserID
		}
	}

	usage := domain.UsageLog{
		UserID:        userID,
		JobID:         jobID,
		Variants:      len(result.Outputs),
		SourceBytes:   int64(result.SourceBytes),
		ComputeTimeMS: max(1, computeDuration.Milliseconds()),
		CreatedAt:     time.Now().UTC(),
	}
	for _, output := range result.Outputs {
		usage.PixelsProcessed += int64(output.Width * output.Height)
		usage.OutputBytes += int64(output.Bytes)
	}
	usage.BytesSaved = domain.SavedBytes(usage.SourceBytes, usage.Variants, usage.OutputBytes)

	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		s.logger.Printf("usage log write failed job_id=%s err=%v", jobID, err)
		return
	}
	s.metrics.observeUsage(usage)
}
