package models

import "time"

// Contact represents a single reachable phone identity
type Contact struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Tags      []string  `json:"tags"`
	Source    string    `json:"source"`
	Consent   bool      `json:"consent"`
	BatchID   string    `json:"batch_id,omitempty"` // importing job
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ContactFilter for filtering contacts. A contact matches when it carries every tag.
type ContactFilter struct {
	Tags         []string
	Source       string
	CreatedAfter *time.Time
	Limit        int
	Offset       int
}

// Thread is the single conversation kept per contact
type Thread struct {
	ID        string    `json:"id"`
	ContactID string    `json:"contact_id"`
	AutoReply bool      `json:"auto_reply"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageDirection tells inbound from outbound messages
type MessageDirection string

const (
	DirectionIn  MessageDirection = "in"
	DirectionOut MessageDirection = "out"
)

// MessageRecord is an immutable log row, unique on (thread, direction, external id)
type MessageRecord struct {
	ID         string           `json:"id"`
	ThreadID   string           `json:"thread_id"`
	Direction  MessageDirection `json:"direction"`
	ExternalID string           `json:"external_id"`
	Text       string           `json:"text"`
	CreatedAt  time.Time        `json:"created_at"`
}
