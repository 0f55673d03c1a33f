package batch

import (
	"context"
	"encoding/json"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/foxzi/bulkops/internal/models"
)

// DeleteConfig is the configuration of a delete job
type DeleteConfig struct {
	ContactIDs []string `json:"contactIds,omitempty"`
}

// DeleteProcessor removes contacts together with their conversation
type DeleteProcessor struct {
	contacts Directory
}

func NewDeleteProcessor(contacts Directory) *DeleteProcessor {
	return &DeleteProcessor{contacts: contacts}
}

func (p *DeleteProcessor) Kind() models.JobKind { return models.JobKindDelete }

func (p *DeleteProcessor) Plan(ctx context.Context, raw json.RawMessage) (*Plan, error) {
	var cfg DeleteConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	cfg.ContactIDs = uniqueIDs(cfg.ContactIDs)

	err := validation.ValidateStruct(&cfg,
		validation.Field(&cfg.ContactIDs, validation.Required.Error("at least one contact id is required")),
	)
	if err != nil {
		return nil, fromValidation(err)
	}

	payloads := contactPayloads(cfg.ContactIDs)
	return &Plan{
		Configuration: DeleteConfig{},
		Payloads:      payloads,
		Title:         fmt.Sprintf("Delete %d contacts", len(payloads)),
	}, nil
}

func (p *DeleteProcessor) Prepare(ctx context.Context, job *models.BatchJob) (Task, error) {
	return &deleteTask{contacts: p.contacts}, nil
}

type deleteTask struct {
	noPause
	contacts Directory
}

func (t *deleteTask) Process(ctx context.Context, item *models.BatchItem) (Outcome, error) {
	contactID, err := decodeContactPayload(item)
	if err != nil {
		return failed("malformed contact reference"), nil
	}

	ok, err := t.contacts.DeleteCascade(ctx, contactID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to delete contact: %w", err)
	}
	if !ok {
		return failed("contact not found"), nil
	}

	return completed(nil), nil
}
