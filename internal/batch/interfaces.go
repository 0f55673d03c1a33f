package batch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/foxzi/bulkops/internal/models"
	"github.com/foxzi/bulkops/internal/ratelimit"
)

// JobStore persists jobs and their items
type JobStore interface {
	Create(ctx context.Context, job *models.BatchJob, payloads []json.RawMessage) error
	GetByID(ctx context.Context, id string) (*models.BatchJob, error)
	List(ctx context.Context, filter models.JobListFilter) ([]models.BatchJob, int, error)
	MarkProcessing(ctx context.Context, id string, at time.Time) (bool, error)
	Finish(ctx context.Context, job *models.BatchJob) (bool, error)
	Cancel(ctx context.Context, id string, at time.Time) (bool, error)
	ScheduledDue(ctx context.Context, now time.Time) ([]models.BatchJob, error)
	NextPendingItems(ctx context.Context, jobID string, afterIndex, limit int) ([]models.BatchItem, error)
	// CompleteItem fails without writing once the job has left processing
	CompleteItem(ctx context.Context, item *models.BatchItem, job *models.BatchJob) error
	ListItems(ctx context.Context, filter models.JobItemFilter) ([]models.BatchItem, int, error)
}

// Directory is the contact and conversation store
type Directory interface {
	GetByID(ctx context.Context, id string) (*models.Contact, error)
	FindByPhone(ctx context.Context, phone string) (*models.Contact, error)
	Create(ctx context.Context, c *models.Contact) error
	Update(ctx context.Context, c *models.Contact) error
	UpdateTags(ctx context.Context, id string, tags []string) (bool, error)
	DeleteCascade(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, filter models.ContactFilter) ([]models.Contact, int, error)
	GetOrCreateThread(ctx context.Context, contactID string) (*models.Thread, error)
}

// Templates looks up message templates
type Templates interface {
	GetByID(ctx context.Context, id string) (*models.Template, error)
}

// Messages records conversation messages
type Messages interface {
	RecordIfAbsent(ctx context.Context, rec *models.MessageRecord) (*models.MessageRecord, bool, error)
}

// Transport delivers outbound text messages
type Transport interface {
	IsReady(ctx context.Context) bool
	SendText(ctx context.Context, phone, text string) (string, error)
}

// Quota consumes send quota; a nil Quota means unlimited
type Quota interface {
	Allow(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error)
}
