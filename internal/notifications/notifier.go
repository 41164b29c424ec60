// Package notifications carries notification requests emitted after inbound
// mail changed a ticket. Rendering and delivering the e-mail is left to the
// consumer of these requests.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Event names the ticket change a request describes.
type Event string

const (
	EventNewTicket Event = "new_ticket"
	EventUpdated   Event = "updated"
	EventReopened  Event = "reopened"
)

// Role says why a recipient receives the notice.
type Role string

const (
	RoleSubmitter   Role = "submitter"
	RoleAssignee    Role = "assigned_to"
	RoleQueueCC     Role = "queue_cc"
	RoleNewTicketCC Role = "new_ticket_cc"
	RoleTicketCC    Role = "ticket_cc"
)

// Template hints understood by the renderer.
const (
	TemplateNewTicketSubmitter = "newticket_submitter"
	TemplateNewTicketCC        = "newticket_cc"
	TemplateUpdatedOwner       = "updated_owner"
	TemplateUpdatedCC          = "updated_cc"
	TemplateReopenedOwner      = "reopened_owner"
	TemplateReopenedCC         = "reopened_cc"
	TemplateReopenedSubmitter  = "reopened_submitter"
)

// Recipient is one addressee of a notification request.
type Recipient struct {
	Role     Role   `json:"role"`
	Email    string `json:"email"`
	Template string `json:"template"`
}

// Context is the rendering context handed to the template.
type Context struct {
	TicketID    int    `json:"ticket_id"`
	TrackingID  string `json:"tracking_id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Priority    int    `json:"priority"`
	Submitter   string `json:"submitter_email"`
	QueueSlug   string `json:"queue_slug"`
	QueueTitle  string `json:"queue_title"`
	QueueEmail  string `json:"queue_email,omitempty"`
	Comment     string `json:"comment"`
	FollowUpID  int    `json:"followup_id,omitempty"`
	Attachments int    `json:"attachments,omitempty"`
}

// Request is what the engine hands to a Notifier after a committed change.
type Request struct {
	ID           string            `json:"id"`
	Event        Event             `json:"event"`
	Recipients   []Recipient       `json:"recipients"`
	Context      Context           `json:"context"`
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Validate rejects requests a consumer could not act on.
func (r Request) Validate() error {
	if r.Event == "" {
		return errors.New("notification request: missing event")
	}
	if len(r.Recipients) == 0 {
		return errors.New("notification request: no recipients")
	}
	for i, rcpt := range r.Recipients {
		if rcpt.Email == "" || rcpt.Template == "" {
			return fmt.Errorf("notification request: recipient %d incomplete", i)
		}
	}
	return nil
}

// RoutingKey returns the topic used by broker based notifiers.
func (r Request) RoutingKey() string {
	return "postmaster." + string(r.Event)
}

// Notifier accepts notification requests.
type Notifier interface {
	Send(ctx context.Context, req Request) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, req Request) error

// Send implements Notifier.
func (f NotifierFunc) Send(ctx context.Context, req Request) error { return f(ctx, req) }

// Nop drops every request.
var Nop Notifier = NotifierFunc(func(context.Context, Request) error { return nil })

// Multi fans a request out to several notifiers. Every notifier is tried;
// the failures are joined.
type Multi []Notifier

// Send implements Notifier.
func (m Multi) Send(ctx context.Context, req Request) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
