package store

import (
	"context"
	"time"

	"github.com/freakifranky/image-creator/internal/domain"
)

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
}

// UsageStore is written by the worker once per finished job.
type UsageStore interface {
	CreateUsageLog(ctx context.Context, usage domain.UsageLog) error
}

// UsageReader aggregates usage logs for billing and quota views.
type UsageReader interface {
	SummarizeUsage(ctx context.Context, userID string, since time.Time) (domain.UsageSummary, error)
}
