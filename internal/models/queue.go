package models

import "github.com/gotrs-io/gotrs-postmaster/internal/email/inbound/connector"

// Queue groups tickets and owns one inbound mailbox.
type Queue struct {
	ID           int    `json:"id" db:"id"`
	Slug         string `json:"slug" db:"slug"`
	Title        string `json:"title" db:"title"`
	EmailAddress string `json:"email_address" db:"email_address"`

	// UpdateOnly rejects unmatched mail instead of opening new tickets.
	UpdateOnly bool `json:"update_only" db:"update_only"`
	// NotifyOnEmailEvents sends updated_cc notices for inbound replies.
	NotifyOnEmailEvents bool `json:"notify_on_email_events" db:"notify_on_email_events"`
	// NewTicketCC and UpdatedTicketCC are comma separated queue-level followers.
	NewTicketCC     string `json:"new_ticket_cc,omitempty" db:"new_ticket_cc"`
	UpdatedTicketCC string `json:"updated_ticket_cc,omitempty" db:"updated_ticket_cc"`

	// LogLevel tightens the per-cycle logger: debug, info, warn, error, crit or none.
	LogLevel string `json:"log_level,omitempty" db:"log_level"`

	Mailbox connector.MailboxConfig `json:"-" db:"-"`
}

// EffectiveLogLevel returns the per-queue log level, "info" when unset.
func (q Queue) EffectiveLogLevel() string {
	if q.LogLevel == "" {
		return "info"
	}
	return q.LogLevel
}
