package domain

import "time"

// UsageLog records what one finished job cost and what it saved. Every variant
// is measured against its own copy of the source.
type UsageLog struct {
	UserID          string    `json:"user_id"`
	JobID           string    `json:"job_id"`
	Variants        int       `json:"variants"`
	PixelsProcessed int64     `json:"pixels_processed"`
	SourceBytes     int64     `json:"source_bytes"`
	OutputBytes     int64     `json:"output_bytes"`
	BytesSaved      int64     `json:"bytes_saved"`
	ComputeTimeMS   int64     `json:"compute_time_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

// SavedBytes is variants*sourceBytes minus the total output size, floored at
// zero. Outputs larger than their source never count as negative savings.
func SavedBytes(sourceBytes int64, variants int, outputBytes int64) int64 {
	return max(0, sourceBytes*int64(variants)-outputBytes)
}

// UsageSummary totals a user's usage logs created at or after Since.
type UsageSummary struct {
	UserID          string    `json:"user_id"`
	Since           time.Time `json:"since"`
	Jobs            int64     `json:"jobs"`
	Variants        int64     `json:"variants"`
	PixelsProcessed int64     `json:"pixels_processed"`
	SourceBytes     int64     `json:"source_bytes"`
	OutputBytes     int64     `json:"output_bytes"`
	BytesSaved      int64     `json:"bytes_saved"`
	ComputeTimeMS   int64     `json:"compute_time_ms"`
}

// Add folds one usage log into the summary.
func (s *UsageSummary) Add(u UsageLog) {
	s.Jobs++
	s.Variants += int64(u.Variants)
	s.PixelsProcessed += u.PixelsProcessed
	s.SourceBytes += u.SourceBytes
	s.OutputBytes += u.OutputBytes
	s.BytesSaved += u.BytesSaved
	s.ComputeTimeMS += u.ComputeTimeMS
}
