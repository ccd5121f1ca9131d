package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

// Options tune how postprocess tasks are enqueued.
type Options struct {
	Queue    string
	MaxRetry int
	// Timeout bounds one variant. A task gets Timeout per requested variant.
	Timeout time.Duration
	// Retention keeps completed tasks inspectable for this long. Zero drops them.
	Retention time.Duration
}

func (o Options) withDefaults() Options {
	if o.Queue == "" {
		o.Queue = "default"
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Minute
	}
	return o
}

type Client struct {
	client *asynq.Client
	opts   Options
}

func NewClient(redisOpt asynq.RedisClientOpt, opts Options) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		opts:   opts.withDefaults(),
	}
}

// EnqueuePostprocessImage schedules the job once. A second enqueue of the same
// job id fails with asynq.ErrTaskIDConflict.
func (c *Client) EnqueuePostprocessImage(ctx context.Context, payload PostprocessImagePayload) (*asynq.TaskInfo, error) {
	task, err := NewPostprocessImageTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, taskOptions(c.opts, payload)...)
}

func taskOptions(opts Options, payload PostprocessImagePayload) []asynq.Option {
	out := []asynq.Option{
		asynq.Queue(opts.Queue),
		asynq.MaxRetry(opts.MaxRetry),
		asynq.TaskID(payload.JobID),
		asynq.Timeout(opts.Timeout * time.Duration(max(1, len(payload.Variants)))),
	}
	if opts.Retention > 0 {
		out = append(out, asynq.Retention(opts.Retention))
	}
	return out
}

func (c *Client) Close() error {
	return c.client.Close()
}
