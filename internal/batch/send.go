package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/foxzi/bulkops/internal/metrics"
	"github.com/foxzi/bulkops/internal/models"
	"github.com/foxzi/bulkops/internal/ratelimit"
)

const (
	maxRatePerMinute = 600
	maxJitterMs      = 60000
)

// ContactFilters selects send recipients from the directory
type ContactFilters struct {
	Tags         []string   `json:"tags,omitempty"`
	Source       string     `json:"source,omitempty"`
	CreatedAfter *time.Time `json:"createdAfter,omitempty"`
}

// SendConfig is the configuration of a send job
type SendConfig struct {
	TemplateID     string          `json:"templateId,omitempty"`
	Content        string          `json:"content,omitempty"`
	ContactIDs     []string        `json:"contactIds,omitempty"`
	ContactFilters *ContactFilters `json:"contactFilters,omitempty"`
	RatePerMinute  int             `json:"ratePerMinute,omitempty"`
	JitterMs       int             `json:"jitterMs,omitempty"`
	ScheduleAt     *time.Time      `json:"scheduleAt,omitempty"`
}

// SendResult is the result of one send item
type SendResult struct {
	ExternalID string `json:"externalId"`
	ThreadID   string `json:"threadId"`
	Duplicate  bool   `json:"duplicate"`
}

// SendDefaults apply when a send job leaves pacing unset
type SendDefaults struct {
	RatePerMinute int
	JitterMs      int
}

// SendProcessor delivers a rendered message to each recipient
type SendProcessor struct {
	contacts  Directory
	templates Templates
	messages  Messages
	transport Transport
	quota     Quota
	defaults  SendDefaults
	now       func() time.Time
}

func NewSendProcessor(contacts Directory, templates Templates, messages Messages, transport Transport, quota Quota, defaults SendDefaults) *SendProcessor {
	if defaults.RatePerMinute <= 0 {
		defaults.RatePerMinute = 20
	}
	return &SendProcessor{
		contacts:  contacts,
		templates: templates,
		messages:  messages,
		transport: transport,
		quota:     quota,
		defaults:  defaults,
		now:       time.Now,
	}
}

func (p *SendProcessor) Kind() models.JobKind { return models.JobKindSend }

func (p *SendProcessor) Plan(ctx context.Context, raw json.RawMessage) (*Plan, error) {
	var cfg SendConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	cfg.TemplateID = strings.TrimSpace(cfg.TemplateID)

	err := validation.ValidateStruct(&cfg,
		validation.Field(&cfg.Content,
			validation.When(cfg.TemplateID == "", validation.Required.Error("templateId or content is required")),
		),
		validation.Field(&cfg.ContactIDs,
			validation.When(cfg.ContactFilters == nil, validation.Required.Error("contactIds or contactFilters is required")),
		),
		validation.Field(&cfg.RatePerMinute, validation.Min(0), validation.Max(maxRatePerMinute)),
		validation.Field(&cfg.JitterMs, validation.Min(0), validation.Max(maxJitterMs)),
	)
	if err != nil {
		return nil, fromValidation(err)
	}

	if cfg.TemplateID != "" {
		tmpl, err := p.templates.GetByID(ctx, cfg.TemplateID)
		if err != nil {
			return nil, fmt.Errorf("failed to load template: %w", err)
		}
		if tmpl == nil {
			return nil, invalid("templateId", "template not found")
		}
	}

	recipients, field, err := p.resolveRecipients(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, invalid(field, "no recipients")
	}

	if cfg.RatePerMinute == 0 {
		cfg.RatePerMinute = p.defaults.RatePerMinute
		if cfg.JitterMs == 0 {
			cfg.JitterMs = p.defaults.JitterMs
		}
	}

	plan := &Plan{
		Payloads: contactPayloads(recipients),
		Title:    fmt.Sprintf("Send to %d contacts", len(recipients)),
	}
	if cfg.ScheduleAt != nil && cfg.ScheduleAt.After(p.now()) {
		at := cfg.ScheduleAt.UTC()
		plan.ScheduleAt = &at
	}

	// recipients live in the items
	cfg.ContactIDs = nil
	plan.Configuration = cfg

	return plan, nil
}

func (p *SendProcessor) resolveRecipients(ctx context.Context, cfg SendConfig) ([]string, string, error) {
	if len(cfg.ContactIDs) > 0 {
		return uniqueIDs(cfg.ContactIDs), "contactIds", nil
	}

	contacts, _, err := p.contacts.List(ctx, models.ContactFilter{
		Tags:         cleanTags(cfg.ContactFilters.Tags),
		Source:       strings.TrimSpace(cfg.ContactFilters.Source),
		CreatedAfter: cfg.ContactFilters.CreatedAfter,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to filter contacts: %w", err)
	}

	ids := make([]string, 0, len(contacts))
	for _, c := range contacts {
		ids = append(ids, c.ID)
	}
	return ids, "contactFilters", nil
}

func (p *SendProcessor) Prepare(ctx context.Context, job *models.BatchJob) (Task, error) {
	var cfg SendConfig
	if err := json.Unmarshal(job.Configuration, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode send configuration: %w", err)
	}

	if !p.transport.IsReady(ctx) {
		return nil, ErrTransportNotReady
	}

	body := cfg.Content
	if cfg.TemplateID != "" {
		tmpl, err := p.templates.GetByID(ctx, cfg.TemplateID)
		if err != nil {
			return nil, fmt.Errorf("failed to load template: %w", err)
		}
		if tmpl == nil {
			return nil, fmt.Errorf("template %s not found", cfg.TemplateID)
		}
		body = tmpl.Body
	}
	if strings.TrimSpace(body) == "" {
		return nil, errors.New("message body is empty")
	}

	rate := cfg.RatePerMinute
	if rate <= 0 {
		rate = p.defaults.RatePerMinute
	}

	return &sendTask{
		processor: p,
		body:      body,
		rate:      rate,
		jitterMs:  cfg.JitterMs,
	}, nil
}

type sendTask struct {
	processor *SendProcessor
	body      string
	rate      int
	jitterMs  int
}

func (t *sendTask) Pause() time.Duration {
	return ratelimit.Delay(t.rate, t.jitterMs)
}

func (t *sendTask) Process(ctx context.Context, item *models.BatchItem) (Outcome, error) {
	p := t.processor

	contactID, err := decodeContactPayload(item)
	if err != nil {
		return failed("malformed recipient"), nil
	}

	contact, err := p.contacts.GetByID(ctx, contactID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load contact: %w", err)
	}
	if contact == nil {
		return failed("contact not found"), nil
	}

	thread, err := p.contacts.GetOrCreateThread(ctx, contact.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to get thread: %w", err)
	}

	text := renderTemplate(t.body, map[string]string{
		"name":  contact.Name,
		"phone": contact.Phone,
		"email": contact.Email,
	})

	if p.quota != nil {
		res, err := p.quota.Allow(ctx, &ratelimit.Request{Recipient: contact.Phone})
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to check send quota: %w", err)
		}
		if !res.Allowed {
			metrics.IncSendQuotaDenied(string(res.DeniedBy))
			return failed(fmt.Sprintf("send quota exceeded (%s)", res.DeniedBy)), nil
		}
	}

	externalID, err := p.transport.SendText(ctx, contact.Phone, text)
	if err != nil {
		return failed(err.Error()), nil
	}

	_, created, err := p.messages.RecordIfAbsent(ctx, &models.MessageRecord{
		ThreadID:   thread.ID,
		Direction:  models.DirectionOut,
		ExternalID: externalID,
		Text:       text,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to record message: %w", err)
	}

	return completed(SendResult{
		ExternalID: externalID,
		ThreadID:   thread.ID,
		Duplicate:  !created,
	}), nil
}
