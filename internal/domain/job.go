package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"
)

type CreateJobRequest struct {
	UserID     string    `json:"user_id,omitempty"`
	SourceType string    `json:"source_type"`
	WebhookURL string    `json:"webhook_url,omitempty"`
	ObjectKey  string    `json:"object_key,omitempty"`
	Variants   []Variant `json:"variants"`
}

// Variant is one postprocessed rendition of a job's source image.
type Variant struct {
	ID                    string  `json:"id"`
	TransparentBackground bool    `json:"transparent_bg"`
	MaxKB                 float64 `json:"max_kb,omitempty"`
	WhiteThreshold        *int    `json:"white_threshold,omitempty"`
	Softness              *int    `json:"softness,omitempty"`
}

// MaxBudgetBytes is the largest byte budget a variant can ask for.
const MaxBudgetBytes = math.MaxInt32

// MaxBytes converts MaxKB to a byte budget, capped at MaxBudgetBytes. Zero
// means no budget.
func (v Variant) MaxBytes() int {
	if v.MaxKB <= 0 || math.IsNaN(v.MaxKB) {
		return 0
	}
	bytes := math.Floor(v.MaxKB * 1024)
	if bytes >= MaxBudgetBytes {
		return MaxBudgetBytes
	}
	return int(bytes)
}

// Validate rejects budgets that are not finite non-negative numbers. Threshold
// and softness are not range checked; the postprocessor clamps them.
func (v Variant) Validate() error {
	if v.MaxKB < 0 || math.IsNaN(v.MaxKB) || math.IsInf(v.MaxKB, 0) {
		return fmt.Errorf("max_kb must be a non-negative number")
	}
	return nil
}

type Job struct {
	ID         string    `json:"job_id"`
	UserID     string    `json:"user_id,omitempty"`
	Status     string    `json:"status"`
	SourceType string    `json:"source_type"`
	WebhookURL string    `json:"webhook_url,omitempty"`
	Variants   []Variant `json:"variants"`
	ObjectKey  string    `json:"object_key"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Variant looks up a requested variant by id.
func (j Job) Variant(id string) (Variant, bool) {
	for _, v := range j.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

func (r CreateJobRequest) Validate() error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeS3Presigned {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if sourceType == SourceTypeLocalFile && strings.TrimSpace(r.ObjectKey) == "" {
		return errors.New("object_key is required for source_type=local_file")
	}
	if len(r.Variants) == 0 {
		return errors.New("variants must contain at least one entry")
	}
	seen := make(map[string]struct{}, len(r.Variants))
	for i, v := range r.Variants {
		id := strings.TrimSpace(v.ID)
		if id == "" {
			return fmt.Errorf("variants[%d].id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("variants[%d].id %q is duplicated", i, id)
		}
		seen[id] = struct{}{}
		if err := v.Validate(); err != nil {
			return fmt.Errorf("variants[%d]: %w", i, err)
		}
	}
	return nil
}
