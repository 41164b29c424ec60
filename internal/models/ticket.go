package models

import (
	"fmt"
	"strings"
	"time"
)

// TicketStatus mirrors the helpdesk status column.
type TicketStatus int

const (
	StatusOpen      TicketStatus = 1
	StatusReopened  TicketStatus = 2
	StatusResolved  TicketStatus = 3
	StatusClosed    TicketStatus = 4
	StatusDuplicate TicketStatus = 5
)

// String returns the display label of the status.
func (s TicketStatus) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusReopened:
		return "Reopened"
	case StatusResolved:
		return "Resolved"
	case StatusClosed:
		return "Closed"
	case StatusDuplicate:
		return "Duplicate"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Ticket priorities. Inbound mail only ever seeds High or Normal.
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 4
	PriorityVeryLow  = 5
)

// Ticket represents a support ticket as seen by the mail engine.
type Ticket struct {
	ID             int          `json:"id" db:"id"`
	QueueID        int          `json:"queue_id" db:"queue_id"`
	QueueSlug      string       `json:"queue_slug" db:"queue_slug"`
	Title          string       `json:"title" db:"title"`
	Description    string       `json:"description" db:"description"`
	SubmitterEmail string       `json:"submitter_email" db:"submitter_email"`
	AssigneeID     *int         `json:"assignee_id,omitempty" db:"assignee_id"`
	AssigneeEmail  string       `json:"assignee_email,omitempty" db:"assignee_email"`
	Status         TicketStatus `json:"status" db:"status"`
	Priority       int          `json:"priority" db:"priority"`
	MergedToID     *int         `json:"merged_to_id,omitempty" db:"merged_to_id"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

// TrackingID renders the subject token used to correlate replies, e.g. "QQ-42".
func (t *Ticket) TrackingID() string {
	if t == nil {
		return ""
	}
	return fmt.Sprintf("%s-%d", t.QueueSlug, t.ID)
}

// IsClosed reports whether the ticket is in the Closed status.
func (t *Ticket) IsClosed() bool {
	return t != nil && t.Status == StatusClosed
}

// FollowUp is a single comment or status change appended to a ticket.
type FollowUp struct {
	ID          int           `json:"id" db:"id"`
	TicketID    int           `json:"ticket_id" db:"ticket_id"`
	QueueID     int           `json:"queue_id" db:"queue_id"`
	Title       string        `json:"title" db:"title"`
	Comment     string        `json:"comment" db:"comment"`
	Public      bool          `json:"public" db:"public"`
	NewStatus   *TicketStatus `json:"new_status,omitempty" db:"new_status"`
	MessageID   string        `json:"message_id,omitempty" db:"message_id"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	Attachments []Attachment  `json:"attachments,omitempty" db:"-"`
}

// Attachment is a file stored against a follow-up.
type Attachment struct {
	ID         int    `json:"id" db:"id"`
	FollowUpID int    `json:"followup_id" db:"followup_id"`
	Filename   string `json:"filename" db:"filename"`
	MimeType   string `json:"mime_type" db:"mime_type"`
	Size       int64  `json:"size" db:"size"`
	Location   string `json:"location,omitempty" db:"location"`
	Content    []byte `json:"-" db:"content"`
}

// TicketCC links a follower to a ticket, either by user account or by bare address.
type TicketCC struct {
	ID        int    `json:"id" db:"id"`
	TicketID  int    `json:"ticket_id" db:"ticket_id"`
	UserID    *int   `json:"user_id,omitempty" db:"user_id"`
	UserEmail string `json:"user_email,omitempty" db:"user_email"`
	Email     string `json:"email,omitempty" db:"email"`
	CanView   bool   `json:"can_view" db:"can_view"`
	CanUpdate bool   `json:"can_update" db:"can_update"`
}

// EffectiveEmail returns the address the CC resolves to.
func (c TicketCC) EffectiveEmail() string {
	if c.UserID != nil && c.UserEmail != "" {
		return c.UserEmail
	}
	return c.Email
}

// User is a staff or customer account that can be linked to a CC entry.
type User struct {
	ID       int    `json:"id" db:"id"`
	Email    string `json:"email" db:"email"`
	IsActive bool   `json:"is_active" db:"is_active"`
}

// NormalizeEmail lower-cases and trims an address for comparisons.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
