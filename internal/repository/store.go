// Package repository holds the ticket persistence the mail engine writes to.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/gotrs-io/gotrs-postmaster/internal/models"
)

var (
	// ErrNotFound is returned when a lookup matches nothing.
	ErrNotFound = errors.New("repository: not found")
	// ErrUnavailable marks a store that cannot be reached at all. The engine
	// aborts the cycle on it instead of skipping the message.
	ErrUnavailable = errors.New("repository: store unavailable")
)

// TicketTx is the set of operations available inside one store transaction.
type TicketTx interface {
	// FindTicketByID returns the ticket with id in the queue identified by
	// queueSlug. An empty slug matches any queue.
	FindTicketByID(ctx context.Context, queueSlug string, id int) (*models.Ticket, error)
	CreateTicket(ctx context.Context, ticket *models.Ticket) error
	UpdateTicketStatus(ctx context.Context, ticket *models.Ticket, status models.TicketStatus) error
	// CreateFollowUp persists the follow-up and its attachments.
	CreateFollowUp(ctx context.Context, followUp *models.FollowUp) error
	ListExistingCCs(ctx context.Context, ticketID int) ([]models.TicketCC, error)
	CreateTicketCC(ctx context.Context, cc *models.TicketCC) error
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	// FindTicketByMessageID returns the ticket owning the most recent
	// follow-up whose Message-ID is one of ids.
	FindTicketByMessageID(ctx context.Context, queueID int, ids []string) (*models.Ticket, error)
	FollowUpExists(ctx context.Context, queueID int, messageID string) (bool, error)
}

// Store runs fn inside a transaction. Every write made through the TicketTx
// is rolled back when fn returns an error.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx TicketTx) error) error
}

// QueueStateStore persists when each queue's mailbox was last polled.
type QueueStateStore interface {
	// LastChecked returns ok=false when the queue was never polled.
	LastChecked(ctx context.Context, queueSlug string) (at time.Time, ok bool, err error)
	MarkChecked(ctx context.Context, queueSlug string, at time.Time) error
}
