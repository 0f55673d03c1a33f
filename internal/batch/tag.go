package batch

import (
	"context"
	"encoding/json"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/foxzi/bulkops/internal/models"
)

// TagOperation is how a tag job combines its tags with a contact's
type TagOperation string

const (
	TagAdd     TagOperation = "add"
	TagRemove  TagOperation = "remove"
	TagReplace TagOperation = "replace"
)

// TagConfig is the configuration of a tag job
type TagConfig struct {
	ContactIDs []string     `json:"contactIds,omitempty"`
	Tags       []string     `json:"tags"`
	Operation  TagOperation `json:"operation"`
}

// TagResult is the result of one tag item
type TagResult struct {
	Tags []string `json:"tags"`
}

// TagProcessor edits the tag sets of contacts
type TagProcessor struct {
	contacts Directory
}

func NewTagProcessor(contacts Directory) *TagProcessor {
	return &TagProcessor{contacts: contacts}
}

func (p *TagProcessor) Kind() models.JobKind { return models.JobKindTag }

func (p *TagProcessor) Plan(ctx context.Context, raw json.RawMessage) (*Plan, error) {
	var cfg TagConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	cfg.ContactIDs = uniqueIDs(cfg.ContactIDs)
	cfg.Tags = cleanTags(cfg.Tags)

	err := validation.ValidateStruct(&cfg,
		validation.Field(&cfg.ContactIDs, validation.Required.Error("at least one contact id is required")),
		validation.Field(&cfg.Tags,
			validation.When(cfg.Operation != TagReplace, validation.Required.Error("at least one tag is required")),
		),
		validation.Field(&cfg.Operation,
			validation.Required.Error("operation is required"),
			validation.In(TagAdd, TagRemove, TagReplace).Error("operation must be add, remove or replace"),
		),
	)
	if err != nil {
		return nil, fromValidation(err)
	}

	payloads := contactPayloads(cfg.ContactIDs)
	title := fmt.Sprintf("Tag %d contacts (%s)", len(payloads), cfg.Operation)
	cfg.ContactIDs = nil

	return &Plan{
		Configuration: cfg,
		Payloads:      payloads,
		Title:         title,
	}, nil
}

func (p *TagProcessor) Prepare(ctx context.Context, job *models.BatchJob) (Task, error) {
	var cfg TagConfig
	if err := json.Unmarshal(job.Configuration, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode tag configuration: %w", err)
	}
	return &tagTask{contacts: p.contacts, cfg: cfg}, nil
}

type tagTask struct {
	noPause
	contacts Directory
	cfg      TagConfig
}

func (t *tagTask) Process(ctx context.Context, item *models.BatchItem) (Outcome, error) {
	contactID, err := decodeContactPayload(item)
	if err != nil {
		return failed("malformed contact reference"), nil
	}

	contact, err := t.contacts.GetByID(ctx, contactID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load contact: %w", err)
	}
	if contact == nil {
		return failed("contact not found"), nil
	}

	tags := applyTags(contact.Tags, t.cfg.Tags, t.cfg.Operation)

	ok, err := t.contacts.UpdateTags(ctx, contact.ID, tags)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to update tags: %w", err)
	}
	if !ok {
		return failed("contact not found"), nil
	}

	return completed(TagResult{Tags: tags}), nil
}

func applyTags(current, tags []string, op TagOperation) []string {
	switch op {
	case TagRemove:
		return removeTags(current, tags)
	case TagReplace:
		return cleanTags(tags)
	default:
		return unionTags(current, tags)
	}
}
