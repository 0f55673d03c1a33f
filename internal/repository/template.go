package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/foxzi/bulkops/internal/models"
)

// ErrDuplicate is returned when a unique column already holds the value
var ErrDuplicate = errors.New("already exists")

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

type TemplateRepository struct {
	db *sql.DB
}

func NewTemplateRepository(db *sql.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// Create creates a new template
func (r *TemplateRepository) Create(ctx context.Context, t *models.Template) error {
	t.ID = uuid.New().String()
	t.CreatedAt = time.Now().UTC()
	t.UpdatedAt = t.CreatedAt

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO templates (id, name, description, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Description, t.Body, t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("template %q: %w", t.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

// GetByID returns a template by ID
func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*models.Template, error) {
	t := &models.Template{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, description, body, created_at, updated_at
		FROM templates WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.Description, &t.Body, &t.CreatedAt, &t.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// List returns templates with optional filtering
func (r *TemplateRepository) List(ctx context.Context, filter models.TemplateListFilter) ([]models.Template, int, error) {
	where := " WHERE 1=1"
	args := []any{}

	if filter.Search != "" {
		where += " AND (name LIKE ? OR description LIKE ?)"
		args = append(args, "%"+filter.Search+"%", "%"+filter.Search+"%")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM templates"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT id, name, description, body, created_at, updated_at FROM templates" + where + " ORDER BY updated_at DESC"
	query, args = paginate(query, args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	templates := []models.Template{}
	for rows.Next() {
		var t models.Template
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.Body, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, 0, err
		}
		templates = append(templates, t)
	}

	return templates, total, rows.Err()
}

// Delete deletes a template
func (r *TemplateRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM templates WHERE id = ?", id)
	return err
}
