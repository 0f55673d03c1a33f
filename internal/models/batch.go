package models

import (
	"encoding/json"
	"math"
	"time"
)

// JobKind identifies which item processor handles a batch job
type JobKind string

const (
	JobKindImport JobKind = "import"
	JobKindSend   JobKind = "send"
	JobKindTag    JobKind = "tag"
	JobKindDelete JobKind = "delete"
)

// JobKinds lists every supported kind in display order
var JobKinds = []JobKind{JobKindImport, JobKindSend, JobKindTag, JobKindDelete}

// Valid reports whether k is a known job kind
func (k JobKind) Valid() bool {
	switch k {
	case JobKindImport, JobKindSend, JobKindTag, JobKindDelete:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a batch job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition can happen from s
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ItemStatus is the state of a single batch item
type ItemStatus string

const (
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusCompleted ItemStatus = "completed"
	ItemStatusFailed    ItemStatus = "failed"
	ItemStatusSkipped   ItemStatus = "skipped"
)

// IsTerminal reports whether the item has been processed
func (s ItemStatus) IsTerminal() bool {
	return s == ItemStatusCompleted || s == ItemStatusFailed || s == ItemStatusSkipped
}

// BatchJob is one operator-submitted bulk action
type BatchJob struct {
	ID              string          `json:"id"`
	Kind            JobKind         `json:"kind"`
	Status          JobStatus       `json:"status"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Configuration   json.RawMessage `json:"configuration"` // kind-specific, see batch package
	TotalCount      int             `json:"total_count"`
	ProcessedCount  int             `json:"processed_count"`
	SuccessCount    int             `json:"success_count"`
	FailedCount     int             `json:"failed_count"`
	SkippedCount    int             `json:"skipped_count"`
	ProgressPercent int             `json:"progress_percent"`
	ResultSummary   string          `json:"result_summary,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ScheduledAt     *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Record accounts one item outcome in the job counters and refreshes the progress
func (j *BatchJob) Record(status ItemStatus) {
	switch status {
	case ItemStatusCompleted:
		j.SuccessCount++
	case ItemStatusFailed:
		j.FailedCount++
	case ItemStatusSkipped:
		j.SkippedCount++
	default:
		return
	}
	j.ProcessedCount = j.SuccessCount + j.FailedCount + j.SkippedCount
	j.ProgressPercent = Progress(j.ProcessedCount, j.TotalCount)
}

// Progress returns round(processed/total*100) clamped to 0..100
func Progress(processed, total int) int {
	if total <= 0 || processed <= 0 {
		return 0
	}
	if processed >= total {
		return 100
	}
	return int(math.Round(float64(processed) * 100 / float64(total)))
}

// BatchItem is one unit of work inside a job, addressed by its index
type BatchItem struct {
	ID           string          `json:"id"`
	BatchID      string          `json:"batch_id"`
	ItemIndex    int             `json:"item_index"`
	Payload      json.RawMessage `json:"payload"`
	Status       ItemStatus      `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// JobListFilter for filtering jobs
type JobListFilter struct {
	Kind         JobKind
	Status       JobStatus
	CreatedAfter *time.Time
	Limit        int
	Offset       int
}

// JobItemFilter for filtering job items
type JobItemFilter struct {
	JobID    string
	Statuses []ItemStatus
	Limit    int
	Offset   int
}
