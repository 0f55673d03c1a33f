package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foxzi/bulkops/internal/db"
	"github.com/foxzi/bulkops/internal/models"
	"github.com/foxzi/bulkops/internal/ratelimit"
	"github.com/foxzi/bulkops/internal/repository"
)

type fakeTransport struct {
	mu      sync.Mutex
	ready   bool
	fail    map[string]error
	fixedID string
	sent    []sentMessage
}

type sentMessage struct {
	Phone string
	Text  string
}

func (f *fakeTransport) IsReady(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeTransport) SendText(ctx context.Context, phone, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[phone]; err != nil {
		return "", err
	}
	f.sent = append(f.sent, sentMessage{Phone: phone, Text: text})
	if f.fixedID != "" {
		return f.fixedID, nil
	}
	return fmt.Sprintf("ext-%d", len(f.sent)), nil
}

func (f *fakeTransport) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage{}, f.sent...)
}

type testEnv struct {
	db        *db.DB
	jobs      *repository.JobRepository
	contacts  *repository.ContactRepository
	templates *repository.TemplateRepository
	messages  *repository.MessageRepository
	transport *fakeTransport
	manager   *Manager
	storeWrap func(JobStore) JobStore

	mu     sync.Mutex
	pauses []time.Duration
}

type envOption func(*testEnv, *Config, *[]Processor)

func withQuota(q Quota) envOption {
	return func(e *testEnv, _ *Config, procs *[]Processor) {
		for i, p := range *procs {
			if p.Kind() == models.JobKindSend {
				(*procs)[i] = NewSendProcessor(e.contacts, e.templates, e.messages, e.transport, q, SendDefaults{RatePerMinute: 10})
			}
		}
	}
}

func withStore(wrap func(JobStore) JobStore) envOption {
	return func(e *testEnv, _ *Config, _ *[]Processor) {
		e.storeWrap = wrap
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	database, err := db.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	e := &testEnv{
		db:        database,
		jobs:      repository.NewJobRepository(database.DB),
		contacts:  repository.NewContactRepository(database.DB),
		templates: repository.NewTemplateRepository(database.DB),
		messages:  repository.NewMessageRepository(database.DB),
		transport: &fakeTransport{ready: true, fail: map[string]error{}},
	}

	cfg := Config{PageSize: 2, SchedulePollInterval: time.Hour}
	processors := []Processor{
		NewImportProcessor(e.contacts),
		NewSendProcessor(e.contacts, e.templates, e.messages, e.transport, nil, SendDefaults{RatePerMinute: 10}),
		NewTagProcessor(e.contacts),
		NewDeleteProcessor(e.contacts),
	}
	for _, opt := range opts {
		opt(e, &cfg, &processors)
	}

	var store JobStore = e.jobs
	if e.storeWrap != nil {
		store = e.storeWrap(store)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.manager = NewManager(store, processors, cfg, logger)
	e.manager.runner.sleep = func(ctx context.Context, d time.Duration) error {
		e.mu.Lock()
		e.pauses = append(e.pauses, d)
		e.mu.Unlock()
		return ctx.Err()
	}
	t.Cleanup(e.manager.Stop)

	return e
}

func (e *testEnv) addContact(t *testing.T, phone, name string, tags ...string) *models.Contact {
	t.Helper()
	c := &models.Contact{Phone: phone, Name: name, Tags: tags, Source: "test"}
	require.NoError(t, e.contacts.Create(context.Background(), c))
	return c
}

func (e *testEnv) submit(t *testing.T, kind models.JobKind, cfg any) *models.BatchJob {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	job, err := e.manager.Submit(context.Background(), SubmitRequest{Kind: kind, Configuration: raw})
	require.NoError(t, err)
	return job
}

func (e *testEnv) wait(t *testing.T, id string) *models.BatchJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := e.manager.Wait(ctx, id, 5*time.Millisecond, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !e.manager.Running(id) }, 5*time.Second, 5*time.Millisecond)
	return job
}

func (e *testEnv) items(t *testing.T, id string) []models.BatchItem {
	t.Helper()
	items, _, err := e.jobs.ListItems(context.Background(), models.JobItemFilter{JobID: id})
	require.NoError(t, err)
	return items
}

func (e *testEnv) Pauses() []time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]time.Duration{}, e.pauses...)
}

func requireCounters(t *testing.T, job *models.BatchJob) {
	t.Helper()
	require.Equal(t, job.SuccessCount+job.FailedCount+job.SkippedCount, job.ProcessedCount)
	require.LessOrEqual(t, job.ProcessedCount, job.TotalCount)
	require.Equal(t, models.Progress(job.ProcessedCount, job.TotalCount), job.ProgressPercent)
}

func requireValidation(t *testing.T, err error, field string) *ValidationError {
	t.Helper()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	if field != "" {
		require.Contains(t, verr.Fields, field)
	}
	return verr
}

func TestSubmit_RejectsUnknownKind(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.manager.Submit(context.Background(), SubmitRequest{
		Kind:          "archive",
		Configuration: json.RawMessage(`{}`),
	})
	requireValidation(t, err, "kind")

	jobs, total, err := e.jobs.List(context.Background(), models.JobListFilter{})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, jobs)
}

func TestSubmit_RejectsMalformedConfiguration(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name string
		kind models.JobKind
		raw  string
	}{
		{"not json", models.JobKindDelete, `{`},
		{"unknown field", models.JobKindDelete, `{"contactIds":["a"],"extra":1}`},
		{"wrong type", models.JobKindTag, `{"contactIds":"a","tags":["x"],"operation":"add"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.manager.Submit(context.Background(), SubmitRequest{Kind: tt.kind, Configuration: json.RawMessage(tt.raw)})
			requireValidation(t, err, "")
		})
	}
}

func TestSubmit_DefaultTitle(t *testing.T) {
	e := newTestEnv(t)
	c := e.addContact(t, "+10000001", "A")

	job := e.submit(t, models.JobKindDelete, DeleteConfig{ContactIDs: []string{c.ID}})
	require.Equal(t, "Delete 1 contacts", job.Title)

	raw, _ := json.Marshal(DeleteConfig{ContactIDs: []string{"x"}})
	custom, err := e.manager.Submit(context.Background(), SubmitRequest{
		Kind:          models.JobKindDelete,
		Title:         "  Cleanup  ",
		Configuration: raw,
	})
	require.NoError(t, err)
	require.Equal(t, "Cleanup", custom.Title)
}

func TestImport_SkipDuplicates(t *testing.T) {
	e := newTestEnv(t)

	job := e.submit(t, models.JobKindImport, ImportConfig{
		Contacts: []ImportContact{
			{Phone: "+1 (555) 000-1", Name: "Ann"},
			{Phone: "+15550001", Name: "Ann again"},
		},
		Tags:           []string{"lead"},
		SkipDuplicates: true,
	})

	done := e.wait(t, job.ID)
	require.Equal(t, models.JobStatusCompleted, done.Status)
	require.Equal(t, 1, done.SuccessCount)
	require.Equal(t, 1, done.SkippedCount)
	requireCounters(t, done)

	contacts, total, err := e.contacts.List(context.Background(), models.ContactFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "Ann", contacts[0].Name)
	require.Equal(t, []string{"lead"}, contacts[0].Tags)
	require.Equal(t, "import", contacts[0].Source)
	require.Equal(t, job.ID, contacts[0].BatchID)

	items := e.items(t, job.ID)
	var first, second ImportResult
	require.NoError(t, json.Unmarshal(items[0].Result, &first))
	require.NoError(t, json.Unmarshal(items[1].Result, &second))
	require.Equal(t, ImportActionCreated, first.Action)
	require.Equal(t, ImportActionSkipped, second.Action)
	require.Equal(t, first.ContactID, second.ContactID)
	require.Equal(t, models.ItemStatusSkipped, items[1].Status)
}

func TestImport_UpdatesExisting(t *testing.T) {
	e := newTestEnv(t)

	consent := true
	job := e.submit(t, models.JobKindImport, ImportConfig{
		Contacts: []ImportContact{
			{Phone: "+15550002", Name: "Bob", Tags: []string{"a"}},
			{Phone: "+15550002", Email: "bob@example.com", Tags: []string{"b"}, Consent: &consent},
		},
		Source: "csv",
	})

	done := e.wait(t, job.ID)
	require.Equal(t, models.JobStatusCompleted, done.Status)
	require.Equal(t, 2, done.SuccessCount)

	contacts, total, err := e.contacts.List(context.Background(), models.ContactFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, total)

	c := contacts[0]
	require.Equal(t, "Bob", c.Name)
	require.Equal(t, "bob@example.com", c.Email)
	require.ElementsMatch(t, []string{"a", "b"}, c.Tags)
	require.True(t, c.Consent)
	require.Equal(t, "csv", c.Source)

	items := e.items(t, job.ID)
	var second ImportResult
	require.NoError(t, json.Unmarshal(items[1].Result, &second))
	require.Equal(t, ImportActionUpdated, second.Action)
}

func TestImport_Validation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		cfg   ImportConfig
		field string
	}{
		{"no contacts", ImportConfig{}, "contacts"},
		{"missing phone", ImportConfig{Contacts: []ImportContact{{Name: "x"}}}, "contacts.0.phone"},
		{"bad phone", ImportConfig{Contacts: []ImportContact{{Phone: "+1"}, {Phone: "abc"}}}, "contacts.1.phone"},
		{"bad email", ImportConfig{Contacts: []ImportContact{{Phone: "+15550003", Email: "nope"}}}, "contacts.0.email"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, _ := json.Marshal(tt.cfg)
			_, err := e.manager.Submit(ctx, SubmitRequest{Kind: models.JobKindImport, Configuration: raw})
			requireValidation(t, err, tt.field)
		})
	}
}

func TestSend_DeliversInOrderWithPacing(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	tmpl := &models.Template{Name: "hello", Body: "Hi {{name}}, your number is {{ phone }} {{unknown}}"}
	require.NoError(t, e.templates.Create(ctx, tmpl))

	var ids []string
	for i := 0; i < 3; i++ {
		c := e.addContact(t, fmt.Sprintf("+1000000%d", i), fmt.Sprintf("C%d", i))
		ids = append(ids, c.ID)
	}

	job := e.submit(t, models.JobKindSend, SendConfig{
		TemplateID:    tmpl.ID,
		ContactIDs:    append(ids, ids[0]),
		RatePerMinute: 10,
	})
	require.Equal(t, 3, job.TotalCount)

	done := e.wait(t, job.ID)
	require.Equal(t, models.JobStatusCompleted, done.Status)
	require.Equal(t, 3, done.SuccessCount)
	require.Equal(t, 100, done.ProgressPercent)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.CompletedAt)
	requireCounters(t, done)

	sent := e.transport.Sent()
	require.Len(t, sent, 3)
	require.Equal(t, "Hi C0, your number is +10000000 {{unknown}}", sent[0].Text)
	require.Equal(t, "+10000002", sent[2].Phone)

	// a pause between items, never after the last one
	require.Equal(t, []time.Duration{6 * time.Second, 6 * time.Second}, e.Pauses())

	items := e.items(t, job.ID)
	var prev time.Time
	for i, item := range items {
		require.Equal(t, i, item.ItemIndex)
		require.NotNil(t, item.ProcessedAt)
		require.False(t, item.ProcessedAt.Before(prev))
		prev = *item.ProcessedAt

		var res SendResult
		require.NoError(t, json.Unmarshal(item.Result, &res))
		require.Equal(t, fmt.Sprintf("ext-%d", i+1), res.ExternalID)
		require.NotEmpty(t, res.ThreadID)
		require.False(t, res.Duplicate)
	}
}

func TestSend_TransportNotReady(t *testing.T) {
	e := newTestEnv(t)
	e.transport.ready = false

	c := e.addContact(t, "+10000010", "A")
	job := e.submit(t, models.JobKindSend, SendConfig{Content: "hi", ContactIDs: []string{c.ID}})

	done := e.wait(t, job.ID)
	require.Equal(t, models.JobStatusFailed, done.Status)
	require.Contains(t, done.ErrorMessage, "transport not ready")
	require.Zero(t, done.ProcessedCount)

	for _, item := range e.items(t, job.ID) {
		require.Equal(t, models.ItemStatusPending, item.Status)
	}
	require.Empty(t, e.transport.Sent())
}

func TestSend_DuplicateExternalIDRecordedOnce(t *testing.T) {
	e := newTestEnv(t)
	e.transport.fixedID = "same-id"
	c := e.addContact(t, "+10000020", "A")

	first := e.wait(t, e.submit(t, models.JobKindSend, SendConfig{Content: "one", ContactIDs: []string{c.ID}}).ID)
	second := e.submit(t, models.JobKindSend, SendConfig{Content: "one", ContactIDs: []string{c.ID}})
	done := e.wait(t, second.ID)

	require.Equal(t, models.JobStatusCompleted, first.Status)
	require.Equal(t, models.JobStatusCompleted, done.Status)
	require.Equal(t, 1, done.SuccessCount)

	var res SendResult
	require.NoError(t, json.Unmarshal(e.items(t, second.ID)[0].Result, &res))
	require.True(t, res.Duplicate)

	var n int
	require.NoError(t, e.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&n))
	require.Equal(t, 1, n)
}

func TestSend_PerItemFailures(t *testing.T) {
	e := newTestEnv(t)
	ok := e.addContact(t, "+10000030", "Ok")
	bad := e.addContact(t, "+10000031", "Bad")
	e.transport.fail[bad.Phone] = errors.New("recipient unreachable")

	job := e.submit(t, models.JobKindSend, SendConfig{
		Content:    "hi",
		ContactIDs: []string{ok.ID, bad.ID, "missing-contact"},
	})

	done := e.wait(t, job.ID)
	require.Equal(t, models.JobStatusCompleted, done.Status)
	require.Equal(t, 1, done.SuccessCount)
	require.Equal(t, 2, done.FailedCount)
	requireCounters(t, done)

	report, err := e.manager.GetStatus(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, report.Problems, 2)
	require.Equal(t, 2, report.ProblemsTotal)
	require.Equal(t, "recipient unreachable", report.Problems[0].ErrorMessage)
	require.Equal(t, "contact not found", report.Problems[1].ErrorMessage)

	e.manager.problemLimit = 1
	report, err = e.manager.GetStatus(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, report.Problems, 1)
	require.Equal(t, 2, report.ProblemsTotal)
	require.Equal(t, "recipient unreachable", report.Problems[0].ErrorMessage)

	var n int
	require.NoError(t, e.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&n))
	require.Equal(t, 1, n)
}

type countingQuota struct {
	mu    sync.Mutex
	limit int
	used  int
}

func (q *countingQuota) Allow(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.used >= q.limit {
		return &ratelimit.Result{DeniedBy: ratelimit.LevelGlobal, DeniedKey: "global"}, nil
	}
	q.used++
	return &ratelimit.Result{Allowed: true}, nil
}

func TestSend_QuotaExceeded(t *testing.T) {
	e := newTestEnv(t, withQuota(&countingQuota{limit: 1}))
	a := e.addContact(t, "+10000040", "A")
	b := e.addContact(t, "+10000041", "B")

	job := e.submit(t, models.JobKindSend, SendConfig{Content: "hi", ContactIDs: []string{a.ID, b.ID}})

	done := e.wait(t, job.ID)
	require.Equal(t, models.JobStatusCompleted, done.Status)
	require.Equal(t, 1, done.SuccessCount)
	require.Equal(t, 1, done.FailedCount)

	items := e.items(t, job.ID)
	require.Equal(t, "send quota exceeded (global)", items[1].ErrorMessage)
	require.Len(t, e.transport.Sent(), 1)
}

func TestSend_ContactFilters(t *testing.T) {
	e := newTestEnv(t)
	e.addContact(t, "+10000050", "A", "vip", "eu")
	e.addContact(t, "+10000051", "B", "vip")
	e.addContact(t, "+10000052", "C", "eu")

	job := e.submit(t, models.JobKindSend, SendConfig{
		Content:        "hello {{name}}",
		ContactFilters: &ContactFilters{Tags: []string{"vip"}},
	})
	require.Equal(t, 2, job.TotalCount)

	done := e.wait(t, job.ID)
	require.Equal(t, 2, done.SuccessCount)

	_, err := e.manager.Submit(context.Background(), SubmitRequest{
		Kind:          models.JobKindSend,
		Configuration: json.RawMessage(`{"content":"x","contactFilters":{"tags":["nobody"]}}`),
	})
	requireValidation(t, err, "contactFilters")
}

func TestSend_Validation(t *testing.T) {
	e := newTestEnv(t)
	c := e.addContact(t, "+10000060", "A")

	tests := []struct {
		name  string
		cfg   SendConfig
		field string
	}{
		{"no body", SendConfig{ContactIDs: []string{c.ID}}, "content"},
		{"no recipients", SendConfig{Content: "x"}, "contactIds"},
		{"unknown template", SendConfig{TemplateID: "nope", ContactIDs: []string{c.ID}}, "templateId"},
		{"rate too high", SendConfig{Content: "x", ContactIDs: []string{c.ID}, RatePerMinute: 100000}, "ratePerMinute"},
		{"negative jitter", SendConfig{Content: "x", ContactIDs: []string{c.ID}, JitterMs: -1}, "jitterMs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, _ := json.Marshal(tt.cfg)
			_, err := e.manager.Submit(context.Background(), SubmitRequest{Kind: models.JobKindSend, Configuration: raw})
			requireValidation(t, err, tt.field)
		})
	}
}

func TestSend_ScheduledStart(t *testing.T) {
	e := newTestEnv(t)
	c := e.addContact(t, "+10000070", "A")

	at := time.Now().Add(time.Hour)
	job := e.submit(t, models.JobKindSend, SendConfig{Content: "later", ContactIDs: []string{c.ID}, ScheduleAt: &at})
	require.NotNil(t, job.ScheduledAt)
	require.False(t, e.manager.Running(job.ID))

	e.manager.startDue()
	stored, err := e.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusPending, stored.Status)

	e.manager.now = func() time.Time { return at.Add(time.Minute) }
	e.manager.startDue()

	done := e.wait(t, job.ID)
	require.Equal(t, models.JobStatusCompleted, done.Status)
	require.Len(t, e.transport.Sent(), 1)
}

func TestTag_Operations(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		op   TagOperation
		tags []string
		want []string
	}{
		{"add", TagAdd, []string{"B", "C"}, []string{"A", "B", "C"}},
		{"remove", TagRemove, []string{"B"}, []string{"A"}},
		{"replace", TagReplace, []string{"C"}, []string{"C"}},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := e.addContact(t, fmt.Sprintf("+2000000%d", i), "T", "A", "B")

			job := e.submit(t, models.JobKindTag, TagConfig{ContactIDs: []string{c.ID}, Tags: tt.tags, Operation: tt.op})
			done := e.wait(t, job.ID)
			require.Equal(t, models.JobStatusCompleted, done.Status)

			got, err := e.contacts.GetByID(ctx, c.ID)
			require.NoError(t, err)
			require.Equal(t, tt.want, got.Tags)
		})
	}
}

func TestTag_MissingContactFails(t *testing.T) {
	e := newTestEnv(t)
	c := e.addContact(t, "+20000010", "T")

	job := e.submit(t, models.JobKindTag, TagConfig{
		ContactIDs: []string{c.ID, "gone"},
		Tags:       []string{"x"},
		Operation:  TagAdd,
	})

	done := e.wait(t, job.ID)
	require.Equal(t, models.JobStatusCompleted, done.Status)
	require.Equal(t, 1, done.SuccessCount)
	require.Equal(t, 1, done.FailedCount)
	require.Equal(t, 100, done.ProgressPercent)
	require.Contains(t, done.ResultSummary, "1 succeeded, 1 failed")
}

func TestTag_Validation(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name  string
		cfg   TagConfig
		field string
	}{
		{"no contacts", TagConfig{Tags: []string{"a"}, Operation: TagAdd}, "contactIds"},
		{"no tags", TagConfig{ContactIDs: []string{"a"}, Operation: TagAdd}, "tags"},
		{"bad operation", TagConfig{ContactIDs: []string{"a"}, Tags: []string{"a"}, Operation: "toggle"}, "operation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, _ := json.Marshal(tt.cfg)
			_, err := e.manager.Submit(context.Background(), SubmitRequest{Kind: models.JobKindTag, Configuration: raw})
			requireValidation(t, err, tt.field)
		})
	}
}

func TestDelete_Cascades(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	c := e.addContact(t, "+30000001", "D")
	thread, err := e.contacts.GetOrCreateThread(ctx, c.ID)
	require.NoError(t, err)
	_, _, err = e.messages.RecordIfAbsent(ctx, &models.MessageRecord{
		ThreadID: thread.ID, Direction: models.DirectionIn, ExternalID: "in-1", Text: "hey",
	})
	require.NoError(t, err)

	job := e.submit(t, models.JobKindDelete, DeleteConfig{ContactIDs: []string{c.ID, c.ID, "gone"}})
	require.Equal(t, 2, job.TotalCount)

	done := e.wait(t, job.ID)
	require.Equal(t, models.JobStatusCompleted, done.Status)
	require.Equal(t, 1, done.SuccessCount)
	require.Equal(t, 1, done.FailedCount)

	got, err := e.contacts.GetByID(ctx, c.ID)
	require.NoError(t, err)
	require.Nil(t, got)

	var n int
	require.NoError(t, e.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&n))
	require.Zero(t, n)
}

func TestCancel(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.manager.Cancel(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	c := e.addContact(t, "+40000001", "X")
	job := e.submit(t, models.JobKindDelete, DeleteConfig{ContactIDs: []string{c.ID}})
	done := e.wait(t, job.ID)
	require.Equal(t, models.JobStatusCompleted, done.Status)

	got, err := e.manager.Cancel(ctx, job.ID)
	require.ErrorIs(t, err, ErrAlreadyTerminal)
	require.Equal(t, models.JobStatusCompleted, got.Status)

	stored, _ := e.jobs.GetByID(ctx, job.ID)
	require.Equal(t, models.JobStatusCompleted, stored.Status)
	require.Equal(t, done.CompletedAt, stored.CompletedAt)
}

func TestCancel_StopsDispatch(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	waiting := make(chan struct{}, 1)
	e.manager.runner.sleep = func(ctx context.Context, d time.Duration) error {
		waiting <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, e.addContact(t, fmt.Sprintf("+5000000%d", i), "X").ID)
	}
	job := e.submit(t, models.JobKindSend, SendConfig{Content: "hi", ContactIDs: ids})

	select {
	case <-waiting:
	case <-time.After(5 * time.Second):
		t.Fatal("runner never paused")
	}

	cancelled, err := e.manager.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)

	require.Eventually(t, func() bool { return !e.manager.Running(job.ID) }, 5*time.Second, 5*time.Millisecond)

	stored, err := e.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCancelled, stored.Status)
	require.Equal(t, 1, stored.ProcessedCount)
	requireCounters(t, stored)

	items := e.items(t, job.ID)
	require.Equal(t, models.ItemStatusCompleted, items[0].Status)
	require.Equal(t, models.ItemStatusPending, items[1].Status)
	require.Equal(t, models.ItemStatusPending, items[2].Status)
	require.Len(t, e.transport.Sent(), 1)

	_, err = e.manager.Cancel(ctx, job.ID)
	require.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestCancel_PendingScheduledJob(t *testing.T) {
	e := newTestEnv(t)
	c := e.addContact(t, "+50000010", "X")

	at := time.Now().Add(time.Hour)
	job := e.submit(t, models.JobKindSend, SendConfig{Content: "hi", ContactIDs: []string{c.ID}, ScheduleAt: &at})

	cancelled, err := e.manager.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCancelled, cancelled.Status)

	e.manager.now = func() time.Time { return at.Add(time.Minute) }
	e.manager.startDue()
	require.False(t, e.manager.Running(job.ID))
	require.Empty(t, e.transport.Sent())
}

func TestStop_LeavesJobResumable(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	waiting := make(chan struct{}, 1)
	e.manager.runner.sleep = func(ctx context.Context, d time.Duration) error {
		waiting <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}

	a := e.addContact(t, "+60000001", "A")
	b := e.addContact(t, "+60000002", "B")
	job := e.submit(t, models.JobKindSend, SendConfig{Content: "hi", ContactIDs: []string{a.ID, b.ID}})

	<-waiting
	e.manager.Stop()

	stored, err := e.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusProcessing, stored.Status)
	require.Equal(t, 1, stored.ProcessedCount)

	// a new manager over the same store picks the job up where it stopped
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resumed := NewManager(e.jobs, []Processor{
		NewSendProcessor(e.contacts, e.templates, e.messages, e.transport, nil, SendDefaults{RatePerMinute: 10}),
	}, Config{ResumeOnStart: true, SchedulePollInterval: time.Hour}, logger)
	resumed.runner.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	require.NoError(t, resumed.Start())
	defer resumed.Stop()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := resumed.Wait(waitCtx, job.ID, 5*time.Millisecond, nil)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCompleted, done.Status)
	require.Equal(t, 2, done.SuccessCount)
	require.Equal(t, stored.StartedAt, done.StartedAt)

	sent := e.transport.Sent()
	require.Len(t, sent, 2)
	require.Equal(t, a.Phone, sent[0].Phone)
	require.Equal(t, b.Phone, sent[1].Phone)
}

type failingStore struct {
	JobStore
	failAt int
}

func (s *failingStore) CompleteItem(ctx context.Context, item *models.BatchItem, job *models.BatchJob) error {
	if item.ItemIndex == s.failAt {
		return errors.New("disk full")
	}
	return s.JobStore.CompleteItem(ctx, item, job)
}

func TestRunner_StorageFailureFailsJob(t *testing.T) {
	e := newTestEnv(t, withStore(func(s JobStore) JobStore { return &failingStore{JobStore: s, failAt: 1} }))

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, e.addContact(t, fmt.Sprintf("+7000000%d", i), "X").ID)
	}
	job := e.submit(t, models.JobKindTag, TagConfig{ContactIDs: ids, Tags: []string{"x"}, Operation: TagAdd})

	done := e.wait(t, job.ID)
	require.Equal(t, models.JobStatusFailed, done.Status)
	require.Contains(t, done.ErrorMessage, "disk full")
	require.Equal(t, 1, done.ProcessedCount)

	items := e.items(t, job.ID)
	require.Equal(t, models.ItemStatusCompleted, items[0].Status)
	require.Equal(t, models.ItemStatusPending, items[1].Status)
	require.Equal(t, models.ItemStatusPending, items[2].Status)
}

// cancelOnComplete cancels the job in storage just before the item at index
// cancelAt is recorded
type cancelOnComplete struct {
	JobStore
	cancelAt int
}

func (s *cancelOnComplete) CompleteItem(ctx context.Context, item *models.BatchItem, job *models.BatchJob) error {
	if item.ItemIndex == s.cancelAt {
		if _, err := s.JobStore.Cancel(ctx, job.ID, time.Now()); err != nil {
			return err
		}
	}
	return s.JobStore.CompleteItem(ctx, item, job)
}

func TestRunner_CancelledWhileRecording(t *testing.T) {
	e := newTestEnv(t, withStore(func(s JobStore) JobStore { return &cancelOnComplete{JobStore: s, cancelAt: 1} }))

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, e.addContact(t, fmt.Sprintf("+7100000%d", i), "X").ID)
	}
	job := e.submit(t, models.JobKindTag, TagConfig{ContactIDs: ids, Tags: []string{"x"}, Operation: TagAdd})

	done := e.wait(t, job.ID)
	require.Equal(t, models.JobStatusCancelled, done.Status)
	require.Empty(t, done.ErrorMessage)
	require.Equal(t, 1, done.ProcessedCount)
	requireCounters(t, done)

	items := e.items(t, job.ID)
	require.Equal(t, models.ItemStatusCompleted, items[0].Status)
	require.Equal(t, models.ItemStatusPending, items[1].Status)
	require.Equal(t, models.ItemStatusPending, items[2].Status)

	untouched, err := e.contacts.GetByID(context.Background(), ids[2])
	require.NoError(t, err)
	require.NotContains(t, untouched.Tags, "x")
}

func TestCancel_FromAnotherManager(t *testing.T) {
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "jobs.db")
	database, err := db.New(path)
	require.NoError(t, err)
	require.NoError(t, database.Migrate())
	t.Cleanup(func() { database.Close() })

	// the second manager has its own connection pool, like a CLI import next to serve
	other, err := db.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { other.Close() })

	contacts := repository.NewContactRepository(database.DB)
	transport := &fakeTransport{ready: true, fail: map[string]error{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{PageSize: 4, SchedulePollInterval: time.Hour}

	runner := NewManager(repository.NewJobRepository(database.DB), []Processor{
		NewSendProcessor(contacts, repository.NewTemplateRepository(database.DB),
			repository.NewMessageRepository(database.DB), transport, nil, SendDefaults{RatePerMinute: 10}),
	}, cfg, logger)
	paused := make(chan struct{}, 1)
	resume := make(chan struct{})
	runner.runner.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case paused <- struct{}{}:
			<-resume
		default:
		}
		return ctx.Err()
	}
	t.Cleanup(runner.Stop)

	console := NewManager(repository.NewJobRepository(other.DB), nil, cfg, logger)
	t.Cleanup(console.Stop)

	var ids []string
	for i := 0; i < 10; i++ {
		c := &models.Contact{Phone: fmt.Sprintf("+7200000%02d", i), Name: "X", Source: "test"}
		require.NoError(t, contacts.Create(ctx, c))
		ids = append(ids, c.ID)
	}

	raw, err := json.Marshal(SendConfig{Content: "hi", ContactIDs: ids})
	require.NoError(t, err)
	job, err := runner.Submit(ctx, SubmitRequest{Kind: models.JobKindSend, Configuration: raw})
	require.NoError(t, err)

	select {
	case <-paused:
	case <-time.After(5 * time.Second):
		t.Fatal("runner never paused")
	}

	require.False(t, console.Running(job.ID))
	cancelled, err := console.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCancelled, cancelled.Status)
	require.Equal(t, 1, cancelled.ProcessedCount)
	close(resume)

	require.Eventually(t, func() bool { return !runner.Running(job.ID) }, 5*time.Second, 5*time.Millisecond)

	stored, err := console.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCancelled, stored.Job.Status)
	require.Equal(t, 1, stored.Job.ProcessedCount)
	require.Equal(t, cancelled.CompletedAt, stored.Job.CompletedAt)
	requireCounters(t, stored.Job)
	require.Len(t, transport.Sent(), 1)
}

func TestList(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c := e.addContact(t, "+80000001", "X")

	e.wait(t, e.submit(t, models.JobKindTag, TagConfig{ContactIDs: []string{c.ID}, Tags: []string{"a"}, Operation: TagAdd}).ID)
	last := e.submit(t, models.JobKindDelete, DeleteConfig{ContactIDs: []string{c.ID}})
	e.wait(t, last.ID)

	jobs, total, err := e.manager.List(ctx, models.JobListFilter{})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Equal(t, last.ID, jobs[0].ID)

	jobs, total, err = e.manager.List(ctx, models.JobListFilter{Kind: models.JobKindTag})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, models.JobKindTag, jobs[0].Kind)

	_, _, err = e.manager.Items(ctx, models.JobItemFilter{JobID: "missing"})
	require.ErrorIs(t, err, ErrNotFound)
}
