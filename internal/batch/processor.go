package batch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/foxzi/bulkops/internal/models"
)

// Processor implements one job kind
type Processor interface {
	Kind() models.JobKind

	// Plan validates a submitted configuration and resolves the concrete item list.
	Plan(ctx context.Context, raw json.RawMessage) (*Plan, error)

	// Prepare checks job-level preconditions before the first item runs and
	// returns a task bound to the job's stored configuration.
	Prepare(ctx context.Context, job *models.BatchJob) (Task, error)
}

// Plan is the result of validating a submission
type Plan struct {
	Configuration any
	Payloads      []json.RawMessage
	Title         string
	ScheduleAt    *time.Time
}

// Task executes the items of one job
type Task interface {
	// Process performs the side effect of a single item. Expected business
	// failures are reported as an Outcome; a returned error fails the item.
	Process(ctx context.Context, item *models.BatchItem) (Outcome, error)

	// Pause returns the delay to insert before the next item
	Pause() time.Duration
}

// Outcome is the terminal result of one item
type Outcome struct {
	Status models.ItemStatus
	Result any
	Error  string
}

func completed(result any) Outcome {
	return Outcome{Status: models.ItemStatusCompleted, Result: result}
}

func failed(msg string) Outcome {
	return Outcome{Status: models.ItemStatusFailed, Error: msg}
}

func skipped(result any, msg string) Outcome {
	return Outcome{Status: models.ItemStatusSkipped, Result: result, Error: msg}
}

// contactPayload is the item payload of send, tag and delete jobs
type contactPayload struct {
	ContactID string `json:"contact_id"`
}

func contactPayloads(ids []string) []json.RawMessage {
	payloads := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		data, _ := json.Marshal(contactPayload{ContactID: id})
		payloads = append(payloads, data)
	}
	return payloads
}

func decodeContactPayload(item *models.BatchItem) (string, error) {
	var p contactPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return "", err
	}
	return p.ContactID, nil
}

// noPause is embedded by tasks that run items back to back
type noPause struct{}

func (noPause) Pause() time.Duration { return 0 }
