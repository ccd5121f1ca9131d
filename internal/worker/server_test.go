package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/freakifranky/image-creator/internal/codec"
	"github.com/freakifranky/image-creator/internal/domain"
	"github.com/freakifranky/image-creator/internal/pipeline"
	"github.com/freakifranky/image-creator/internal/queue"
	"github.com/freakifranky/image-creator/internal/retention"
	"github.com/freakifranky/image-creator/internal/storage"
	"github.com/freakifranky/image-creator/internal/store"
	"github.com/freakifranky/image-creator/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
)

func TestRecordUsageWritesUsageLog(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	if err := jobStore.Create(context.Background(), domain.Job{
		ID:         "job-1",
		UserID:     "user-1",
		Status:     domain.JobStatusProcessing,
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  "input.png",
		Variants:   []domain.Variant{{ID: "cutout", TransparentBackground: true}},
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	usageStore := &captureUsageStore{}
	s := &Server{
		logger:     log.New(io.Discard, "", 0),
		jobStore:   jobStore,
		usageStore: usageStore,
		metrics:    newMetrics(),
	}

	s.recordUsage(context.Background(), "job-1", pipeline.Result{
		SourceBytes: 1_000,
		Outputs: []pipeline.Output{
			{Width: 10, Height: 10, Bytes: 300},
			{Width: 20, Height: 20, Bytes: 400},
		},
	}, 250*time.Millisecond)

	if !usageStore.called {
		t.Fatal("expected usage log to be written")
	}
	if usageStore.log.UserID != "user-1" {
		t.Fatalf("expected user_id=user-1, got %s", usageStore.log.UserID)
	}
	if usageStore.log.PixelsProcessed != 500 {
		t.Fatalf("expected pixels_processed=500, got %d", usageStore.log.PixelsProcessed)
	}
	if usageStore.log.BytesSaved != 1_300 {
		t.Fatalf("expected bytes_saved=1300, got %d", usageStore.log.BytesSaved)
	}
	if usageStore.log.ComputeTimeMS != 250 {
		t.Fatalf("expected compute_time_ms=250, got %d", usageStore.log.ComputeTimeMS)
	}
	if u := usageStore.log; u.Variants != 2 || u.SourceBytes != 1_000 || u.OutputBytes != 700 {
		t.Fatalf("unexpected byte accounting %+v", u)
	}
	if got := testutil.ToFloat64(s.metrics.bytesSavedTotal); got != 1_300 {
		t.Fatalf("expected bytes saved metric 1300, got %v", got)
	}
}

func TestRecordUsageClampsNegativeBytesSaved(t *testing.T) {
	usageStore := &captureUsageStore{}
	s := &Server{
		logger:     log.New(io.Discard, "", 0),
		usageStore: usageStore,
		metrics:    newMetrics(),
	}

	s.recordUsage(context.Background(), "job-2", pipeline.Result{
		SourceBytes: 100,
		Outputs: []pipeline.Output{
			{Width: 5, Height: 5, Bytes: 200},
		},
	}, 0)

	if usageStore.log.UserID != "anonymous" {
		t.Fatalf("expected anonymous user, got %s", usageStore.log.UserID)
	}
	if usageStore.log.BytesSaved != 0 {
		t.Fatalf("expected bytes_saved=0, got %d", usageStore.log.BytesSaved)
	}
	if usageStore.log.ComputeTimeMS < 1 {
		t.Fatalf("expected compute_time_ms to be at least 1, got %d", usageStore.log.ComputeTimeMS)
	}
}

func TestHandlePostprocessImageSucceeds(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	seedJob(t, jobStore, "job-ok")
	hooks := &captureWebhook{}
	s := newTestServer(jobStore, hooks, stubProcessor{result: pipeline.Result{
		SourceBytes: 5_000,
		Outputs: []pipeline.Output{
			{VariantID: "cutout", Bytes: 1_000, Width: 10, Height: 10, BudgetMet: true, Masked: 40, Success: true},
			{VariantID: "tiny", Bytes: 900, Width: 8, Height: 8, BudgetMet: false, Success: true},
		},
	}})

	err := s.handlePostprocessImage(context.Background(), postprocessTask(t, "job-ok"))
	if err != nil {
		t.Fatalf("handle task: %v", err)
	}

	job, _, _ := jobStore.Get(context.Background(), "job-ok")
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected status succeeded, got %s", job.Status)
	}
	if len(hooks.events) != 1 || hooks.events[0] != webhook.EventJobCompleted {
		t.Fatalf("expected job.completed webhook, got %v", hooks.events)
	}
	body := hooks.bodies[0]
	if body.Status != domain.JobStatusSucceeded || len(body.Outputs) != 2 || body.Outputs[0].VariantID != "cutout" || body.Error != "" {
		t.Fatalf("unexpected completed event %+v", body)
	}
	if got := testutil.ToFloat64(s.metrics.budgetUnmetTotal); got != 1 {
		t.Fatalf("expected one budget miss, got %v", got)
	}
	if got := testutil.ToFloat64(s.metrics.maskedPixelsTotal); got != 40 {
		t.Fatalf("expected 40 masked pixels, got %v", got)
	}
	if got := testutil.ToFloat64(s.metrics.variantOutputsTotal); got != 2 {
		t.Fatalf("expected 2 outputs, got %v", got)
	}
	if logs := jobStore.UsageLogs("user-1"); len(logs) != 1 {
		t.Fatalf("expected one usage log, got %d", len(logs))
	}
}

func TestHandlePostprocessImageDecodeFailureSkipsRetry(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	seedJob(t, jobStore, "job-bad")
	hooks := &captureWebhook{}
	s := newTestServer(jobStore, hooks, stubProcessor{err: fmt.Errorf("postprocess variant=cutout: decode stage: %w", codec.ErrDecode)})

	err := s.handlePostprocessImage(context.Background(), postprocessTask(t, "job-bad"))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}

	job, _, _ := jobStore.Get(context.Background(), "job-bad")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected status failed, got %s", job.Status)
	}
	if len(hooks.events) != 1 || hooks.events[0] != webhook.EventJobFailed {
		t.Fatalf("expected job.failed webhook, got %v", hooks.events)
	}
	if hooks.bodies[0].Error == "" || len(hooks.bodies[0].Outputs) != 0 {
		t.Fatalf("unexpected failed event %+v", hooks.bodies[0])
	}
}

func TestHandlePostprocessImageKeepsSuccessWhenWebhookFails(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	seedJob(t, jobStore, "job-hook")
	hooks := &captureWebhook{err: errors.New("receiver down")}
	s := newTestServer(jobStore, hooks, stubProcessor{result: pipeline.Result{
		SourceBytes: 100,
		Outputs:     []pipeline.Output{{VariantID: "cutout", Bytes: 50, Width: 4, Height: 4, BudgetMet: true, Success: true}},
	}})

	if err := s.handlePostprocessImage(context.Background(), postprocessTask(t, "job-hook")); err != nil {
		t.Fatalf("expected webhook failure not to fail the task, got %v", err)
	}
	job, _, _ := jobStore.Get(context.Background(), "job-hook")
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected status succeeded, got %s", job.Status)
	}
	if got := testutil.ToFloat64(s.metrics.webhookFailures.WithLabelValues(webhook.EventJobCompleted)); got != 1 {
		t.Fatalf("expected one webhook failure, got %v", got)
	}
}

func TestPermanentErrors(t *testing.T) {
	for _, err := range []error{
		fmt.Errorf("decode stage: %w", codec.ErrDecode),
		fmt.Errorf("fetch stage: %w", storage.ErrObjectTooLarge),
		fmt.Errorf("x: %w", pipeline.ErrUnsupportedSourceType),
	} {
		if !permanent(err) {
			t.Fatalf("expected %v to be permanent", err)
		}
	}
	if permanent(errors.New("connection reset")) {
		t.Fatal("expected plain errors to be retryable")
	}
}

func TestFinalAttemptOutsideTask(t *testing.T) {
	if !finalAttempt(context.Background()) {
		t.Fatal("expected a plain context to count as the final attempt")
	}
}

func TestHandlePostprocessImageTransientFailureRetries(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	seedJob(t, jobStore, "job-flaky")
	s := newTestServer(jobStore, nil, stubProcessor{err: errors.New("fetch stage: connection reset")})

	err := s.handlePostprocessImage(context.Background(), postprocessTask(t, "job-flaky"))
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestHandlePostprocessImageRejectsBadPayload(t *testing.T) {
	s := newTestServer(nil, nil, stubProcessor{})

	err := s.handlePostprocessImage(context.Background(), asynq.NewTask(queue.TypePostprocessImage, []byte("not json")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for malformed payload, got %v", err)
	}
}

func TestObjectJobsFailWithoutStorage(t *testing.T) {
	s := newTestServer(nil, nil, stubProcessor{})
	s.objectProcessor = nil

	_, err := s.process(context.Background(), pipeline.Request{JobID: "j", SourceType: domain.SourceTypeS3Presigned})
	if !errors.Is(err, pipeline.ErrUnsupportedSourceType) {
		t.Fatalf("expected ErrUnsupportedSourceType, got %v", err)
	}
}

func TestObserveRetention(t *testing.T) {
	s := newTestServer(nil, nil, stubProcessor{})
	s.ObserveRetention(retention.Report{Files: 2, Objects: 3, Bytes: 500})

	if got := testutil.ToFloat64(s.metrics.retentionRemoved.WithLabelValues("object")); got != 3 {
		t.Fatalf("expected 3 removed objects, got %v", got)
	}
	if got := testutil.ToFloat64(s.metrics.retentionBytesTotal); got != 500 {
		t.Fatalf("expected 500 removed bytes, got %v", got)
	}
}

func newTestServer(jobStore *store.MemoryJobStore, hooks webhookSender, p processor) *Server {
	s := &Server{
		logger:          log.New(io.Discard, "", 0),
		sem:             make(chan struct{}, 1),
		localProcessor:  p,
		objectProcessor: p,
		webhookClient:   hooks,
		metrics:         newMetrics(),
		tracer:          otel.Tracer("test"),
	}
	if jobStore != nil {
		s.jobStore = jobStore
		s.usageStore = jobStore
	}
	return s
}

func seedJob(t *testing.T, jobStore *store.MemoryJobStore, id string) {
	t.Helper()
	now := time.Now().UTC()
	if err := jobStore.Create(context.Background(), domain.Job{
		ID:         id,
		UserID:     "user-1",
		Status:     domain.JobStatusQueued,
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/" + id + "/source",
		Variants:   []domain.Variant{{ID: "cutout", TransparentBackground: true}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func postprocessTask(t *testing.T, jobID string) *asynq.Task {
	t.Helper()
	task, err := queue.NewPostprocessImageTask(queue.PostprocessImagePayload{
		JobID:       jobID,
		SourceType:  domain.SourceTypeS3Presigned,
		WebhookURL:  "https://hooks.example.test/image",
		ObjectKey:   "uploads/" + jobID + "/source",
		Variants:    []domain.Variant{{ID: "cutout", TransparentBackground: true}},
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	return task
}

type stubProcessor struct {
	result pipeline.Result
	err    error
}

func (p stubProcessor) Process(context.Context, pipeline.Request) (pipeline.Result, error) {
	return p.result, p.err
}

type captureWebhook struct {
	events []string
	bodies []jobEvent
	err    error
}

func (c *captureWebhook) Send(_ context.Context, _, event string, payload any) error {
	c.events = append(c.events, event)
	if body, ok := payload.(jobEvent); ok {
		c.bodies = append(c.bodies, body)
	}
	return c.err
}

type captureUsageStore struct {
	called bool
	log    domain.UsageLog
}

func (s *captureUsageStore) CreateUsageLog(_ context.Context, usage domain.UsageLog) error {
	s.called = true
	s.log = usage
	return nil
}
