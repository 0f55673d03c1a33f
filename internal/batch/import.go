package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/foxzi/bulkops/internal/models"
)

const defaultImportSource = "import"

// ImportContact is one row of an import job
type ImportContact struct {
	Phone   string   `json:"phone"`
	Name    string   `json:"name,omitempty"`
	Email   string   `json:"email,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	Source  string   `json:"source,omitempty"`
	Consent *bool    `json:"consent,omitempty"`
}

// Validate implements validation.Validatable
func (c ImportContact) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Phone,
			validation.Required.Error("phone is required"),
			validation.By(func(value any) error {
				if !phonePattern.MatchString(normalizePhone(value.(string))) {
					return validation.NewError("invalid_phone", "invalid phone number")
				}
				return nil
			}),
		),
		validation.Field(&c.Email, is.EmailFormat.Error("invalid email")),
	)
}

// ImportConfig is the configuration of an import job
type ImportConfig struct {
	Contacts       []ImportContact `json:"contacts,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	Source         string          `json:"source,omitempty"`
	SkipDuplicates bool            `json:"skipDuplicates"`
}

// ImportResult is the result of one import item
type ImportResult struct {
	ContactID string `json:"contactId"`
	Action    string `json:"action"`
}

const (
	ImportActionCreated = "created"
	ImportActionUpdated = "updated"
	ImportActionSkipped = "skipped"
)

// ImportProcessor creates or updates contacts from submitted rows
type ImportProcessor struct {
	contacts Directory
}

func NewImportProcessor(contacts Directory) *ImportProcessor {
	return &ImportProcessor{contacts: contacts}
}

func (p *ImportProcessor) Kind() models.JobKind { return models.JobKindImport }

func (p *ImportProcessor) Plan(ctx context.Context, raw json.RawMessage) (*Plan, error) {
	var cfg ImportConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, err
	}

	err := validation.ValidateStruct(&cfg,
		validation.Field(&cfg.Contacts, validation.Required.Error("at least one contact is required")),
	)
	if err != nil {
		return nil, fromValidation(err)
	}

	payloads := make([]json.RawMessage, 0, len(cfg.Contacts))
	for _, c := range cfg.Contacts {
		c.Phone = normalizePhone(c.Phone)
		c.Name = strings.TrimSpace(c.Name)
		c.Email = strings.TrimSpace(c.Email)
		c.Tags = cleanTags(c.Tags)
		c.Source = strings.TrimSpace(c.Source)
		data, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("failed to encode import row: %w", err)
		}
		payloads = append(payloads, data)
	}

	stored := ImportConfig{
		Tags:           cleanTags(cfg.Tags),
		Source:         strings.TrimSpace(cfg.Source),
		SkipDuplicates: cfg.SkipDuplicates,
	}

	return &Plan{
		Configuration: stored,
		Payloads:      payloads,
		Title:         fmt.Sprintf("Import %d contacts", len(payloads)),
	}, nil
}

func (p *ImportProcessor) Prepare(ctx context.Context, job *models.BatchJob) (Task, error) {
	var cfg ImportConfig
	if err := json.Unmarshal(job.Configuration, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode import configuration: %w", err)
	}
	return &importTask{contacts: p.contacts, cfg: cfg, jobID: job.ID}, nil
}

type importTask struct {
	noPause
	contacts Directory
	cfg      ImportConfig
	jobID    string
}

func (t *importTask) Process(ctx context.Context, item *models.BatchItem) (Outcome, error) {
	var row ImportContact
	if err := json.Unmarshal(item.Payload, &row); err != nil {
		return failed("malformed import row"), nil
	}

	existing, err := t.contacts.FindByPhone(ctx, row.Phone)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to look up contact: %w", err)
	}

	if existing != nil {
		if t.cfg.SkipDuplicates {
			return skipped(ImportResult{ContactID: existing.ID, Action: ImportActionSkipped}, "duplicate phone"), nil
		}

		existing.Tags = unionTags(existing.Tags, unionTags(t.cfg.Tags, row.Tags))
		if row.Name != "" {
			existing.Name = row.Name
		}
		if row.Email != "" {
			existing.Email = row.Email
		}
		if row.Consent != nil {
			existing.Consent = *row.Consent
		}
		if row.Source != "" || t.cfg.Source != "" {
			existing.Source = t.source(row)
		}
		if err := t.contacts.Update(ctx, existing); err != nil {
			return Outcome{}, fmt.Errorf("failed to update contact: %w", err)
		}
		return completed(ImportResult{ContactID: existing.ID, Action: ImportActionUpdated}), nil
	}

	contact := &models.Contact{
		Phone:   row.Phone,
		Name:    row.Name,
		Email:   row.Email,
		Tags:    unionTags(t.cfg.Tags, row.Tags),
		Source:  t.source(row),
		BatchID: t.jobID,
	}
	if row.Consent != nil {
		contact.Consent = *row.Consent
	}
	if err := t.contacts.Create(ctx, contact); err != nil {
		return Outcome{}, fmt.Errorf("failed to create contact: %w", err)
	}

	return completed(ImportResult{ContactID: contact.ID, Action: ImportActionCreated}), nil
}

func (t *importTask) source(row ImportContact) string {
	switch {
	case row.Source != "":
		return row.Source
	case t.cfg.Source != "":
		return t.cfg.Source
	default:
		return defaultImportSource
	}
}
