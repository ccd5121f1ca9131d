package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/freakifranky/image-creator/internal/domain"
	"github.com/hibiken/asynq"
)

const TypePostprocessImage = "image:postprocess"

type PostprocessImagePayload struct {
	JobID       string           `json:"job_id"`
	SourceType  string           `json:"source_type"`
	WebhookURL  string           `json:"webhook_url,omitempty"`
	ObjectKey   string           `json:"object_key"`
	Variants    []domain.Variant `json:"variants"`
	RequestedAt time.Time        `json:"requested_at"`
}

func NewPostprocessImageTask(payload PostprocessImagePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal postprocess payload: %w", err)
	}
	return asynq.NewTask(TypePostprocessImage, body), nil
}

func ParsePostprocessImagePayload(task *asynq.Task) (PostprocessImagePayload, error) {
	var payload PostprocessImagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return PostprocessImagePayload{}, fmt.Errorf("unmarshal postprocess payload: %w", err)
	}
	if payload.JobID == "" {
		return PostprocessImagePayload{}, fmt.Errorf("postprocess payload is missing job_id")
	}
	return payload, nil
}
