package postmaster

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gotrs-io/gotrs-postmaster/internal/email/inbound/decoder"
	"github.com/gotrs-io/gotrs-postmaster/internal/models"
	"github.com/gotrs-io/gotrs-postmaster/internal/notifications"
)

type templateSet struct {
	submitter string
	owner     string
	cc        string
}

var (
	newTicketTemplates = templateSet{
		submitter: notifications.TemplateNewTicketSubmitter,
		cc:        notifications.TemplateNewTicketCC,
	}
	updatedTemplates = templateSet{
		submitter: notifications.TemplateNewTicketSubmitter,
		owner:     notifications.TemplateUpdatedOwner,
		cc:        notifications.TemplateUpdatedCC,
	}
	reopenedTemplates = templateSet{
		submitter: notifications.TemplateReopenedSubmitter,
		owner:     notifications.TemplateReopenedOwner,
		cc:        notifications.TemplateReopenedCC,
	}
)

// BuildNotification describes who should hear about a committed correlation.
// ok is false when there is nobody to notify.
func BuildNotification(corr Correlation, queue models.Queue, parsed *decoder.ParsedMessage, ccs []models.TicketCC, now time.Time) (notifications.Request, bool) {
	if corr.Ticket == nil || corr.Skipped {
		return notifications.Request{}, false
	}

	event := notifications.EventUpdated
	templates := updatedTemplates
	switch {
	case corr.IsNew:
		event = notifications.EventNewTicket
		templates = newTicketTemplates
	case corr.Reopened:
		event = notifications.EventReopened
		templates = reopenedTemplates
	}

	rb := newRecipientBuilder(queue.EmailAddress)
	ticket := corr.Ticket
	rb.add(notifications.RoleSubmitter, ticket.SubmitterEmail, templates.submitter)

	if corr.IsNew {
		for _, email := range splitAddressList(queue.NewTicketCC) {
			rb.add(notifications.RoleNewTicketCC, email, templates.cc)
		}
		for _, cc := range ccs {
			rb.add(notifications.RoleTicketCC, cc.EffectiveEmail(), templates.cc)
		}
	} else {
		rb.add(notifications.RoleAssignee, ticket.AssigneeEmail, templates.owner)
		for _, email := range splitAddressList(queue.UpdatedTicketCC) {
			rb.add(notifications.RoleQueueCC, email, templates.cc)
		}
		if queue.NotifyOnEmailEvents {
			for _, cc := range ccs {
				rb.add(notifications.RoleTicketCC, cc.EffectiveEmail(), templates.cc)
			}
		}
	}
	if len(rb.recipients) == 0 {
		return notifications.Request{}, false
	}

	req := notifications.Request{
		ID:         uuid.NewString(),
		Event:      event,
		Recipients: rb.recipients,
		Context: notifications.Context{
			TicketID:   ticket.ID,
			TrackingID: ticket.TrackingID(),
			Title:      ticket.Title,
			Status:     ticket.Status.String(),
			Priority:   ticket.Priority,
			Submitter:  ticket.SubmitterEmail,
			QueueSlug:  queue.Slug,
			QueueTitle: queue.Title,
			QueueEmail: queue.EmailAddress,
			Comment:    parsed.BodyText,
		},
		ExtraHeaders: map[string]string{
			"Auto-Submitted":           "auto-replied",
			"X-Auto-Response-Suppress": "All",
			"Precedence":               "auto_reply",
		},
		CreatedAt: now,
	}
	if corr.FollowUp != nil {
		req.Context.FollowUpID = corr.FollowUp.ID
		req.Context.Attachments = len(corr.FollowUp.Attachments)
	}
	if parsed.MessageID != "" {
		req.ExtraHeaders["In-Reply-To"] = "<" + parsed.MessageID + ">"
	}
	return req, true
}

type recipientBuilder struct {
	seen       map[string]struct{}
	recipients []notifications.Recipient
}

func newRecipientBuilder(queueAddress string) *recipientBuilder {
	rb := &recipientBuilder{seen: make(map[string]struct{})}
	if q := models.NormalizeEmail(queueAddress); q != "" {
		rb.seen[q] = struct{}{}
	}
	return rb
}

// add keeps the first role an address was seen with.
func (rb *recipientBuilder) add(role notifications.Role, email, template string) {
	if template == "" {
		return
	}
	email = normalizeCandidate(email)
	key := models.NormalizeEmail(email)
	if !validCandidate(key) {
		return
	}
	if _, dup := rb.seen[key]; dup {
		return
	}
	rb.seen[key] = struct{}{}
	rb.recipients = append(rb.recipients, notifications.Recipient{Role: role, Email: email, Template: template})
}

func splitAddressList(list string) []string {
	var out []string
	for _, part := range strings.Split(list, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
