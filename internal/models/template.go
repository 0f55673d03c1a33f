package models

import "time"

// Template is a named message body
type Template struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TemplateListFilter for filtering template list
type TemplateListFilter struct {
	Search string
	Limit  int
	Offset int
}
