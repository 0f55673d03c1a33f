package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/foxzi/bulkops/internal/models"
	"github.com/google/uuid"
)

// ContactRepository is the contact and conversation directory
type ContactRepository struct {
	db *sql.DB
}

func NewContactRepository(db *sql.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

const contactColumns = "id, phone, name, email, tags, source, consent, batch_id, created_at, updated_at"

// Create creates a new contact; the phone number must be unique
func (r *ContactRepository) Create(ctx context.Context, c *models.Contact) error {
	c.ID = uuid.New().String()
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt
	if c.Tags == nil {
		c.Tags = []string{}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO contacts (id, phone, name, email, tags, source, consent, batch_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Phone, c.Name, c.Email, encodeTags(c.Tags), c.Source, c.Consent, c.BatchID, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

// GetByID returns a contact by ID
func (r *ContactRepository) GetByID(ctx context.Context, id string) (*models.Contact, error) {
	c, err := scanContact(r.db.QueryRowContext(ctx, "SELECT "+contactColumns+" FROM contacts WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// FindByPhone returns the contact owning the phone number
func (r *ContactRepository) FindByPhone(ctx context.Context, phone string) (*models.Contact, error) {
	c, err := scanContact(r.db.QueryRowContext(ctx, "SELECT "+contactColumns+" FROM contacts WHERE phone = ?", phone))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Update overwrites the mutable fields of a contact
func (r *ContactRepository) Update(ctx context.Context, c *models.Contact) error {
	c.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		UPDATE contacts SET name = ?, email = ?, tags = ?, source = ?, consent = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, c.Email, encodeTags(c.Tags), c.Source, c.Consent, c.UpdatedAt, c.ID,
	)
	return err
}

// UpdateTags replaces the tag set of a contact. Returns false if the contact is gone.
func (r *ContactRepository) UpdateTags(ctx context.Context, id string, tags []string) (bool, error) {
	res, err := r.db.ExecContext(ctx, "UPDATE contacts SET tags = ?, updated_at = ? WHERE id = ?",
		encodeTags(tags), time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// DeleteCascade removes the contact's messages, its thread and the contact row.
// Returns false if the contact did not exist.
func (r *ContactRepository) DeleteCascade(ctx context.Context, id string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM messages WHERE thread_id IN (SELECT id FROM threads WHERE contact_id = ?)`, id); err != nil {
		return false, fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM threads WHERE contact_id = ?", id); err != nil {
		return false, fmt.Errorf("failed to delete thread: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM contacts WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete contact: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return false, err
	}

	return ok, tx.Commit()
}

// List returns contacts matching the filter in creation order
func (r *ContactRepository) List(ctx context.Context, filter models.ContactFilter) ([]models.Contact, int, error) {
	where := " WHERE 1=1"
	args := []any{}

	for _, tag := range filter.Tags {
		where += " AND EXISTS (SELECT 1 FROM json_each(contacts.tags) WHERE json_each.value = ?)"
		args = append(args, tag)
	}
	if filter.Source != "" {
		where += " AND source = ?"
		args = append(args, filter.Source)
	}
	if filter.CreatedAfter != nil {
		where += " AND created_at > ?"
		args = append(args, filter.CreatedAfter.UTC())
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM contacts"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + contactColumns + " FROM contacts" + where + " ORDER BY created_at, id"
	query, args = paginate(query, args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	contacts := []models.Contact{}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, 0, err
		}
		contacts = append(contacts, *c)
	}

	return contacts, total, rows.Err()
}

// GetOrCreateThread returns the contact's conversation thread, creating it on first use
func (r *ContactRepository) GetOrCreateThread(ctx context.Context, contactID string) (*models.Thread, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO threads (id, contact_id, auto_reply, created_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(contact_id) DO NOTHING`,
		uuid.New().String(), contactID, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}

	t := &models.Thread{}
	err = r.db.QueryRowContext(ctx, `
		SELECT id, contact_id, auto_reply, created_at FROM threads WHERE contact_id = ?`, contactID,
	).Scan(&t.ID, &t.ContactID, &t.AutoReply, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func scanContact(s scanner) (*models.Contact, error) {
	c := &models.Contact{}
	var tags string

	err := s.Scan(&c.ID, &c.Phone, &c.Name, &c.Email, &tags, &c.Source, &c.Consent, &c.BatchID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	c.Tags = decodeTags(tags)
	return c, nil
}

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(tags)
	return string(data)
}

func decodeTags(raw string) []string {
	tags := []string{}
	if raw == "" {
		return tags
	}
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return []string{}
	}
	return tags
}
