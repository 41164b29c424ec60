package postmaster

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-postmaster/internal/email/inbound/decoder"
	"github.com/gotrs-io/gotrs-postmaster/internal/models"
	"github.com/gotrs-io/gotrs-postmaster/internal/repository"
)

// maxMergeHops bounds how far a reply to a merged ticket is forwarded.
const maxMergeHops = 10

// Correlation describes what the correlator did with one message.
type Correlation struct {
	Ticket   *models.Ticket
	FollowUp *models.FollowUp
	IsNew    bool
	Reopened bool
	// Skipped is set when an update-only queue refused an unmatched message.
	Skipped bool
	// Duplicate is set when the Message-ID was already recorded for the queue.
	Duplicate bool
}

// Correlator decides whether a message opens a ticket or follows up on one.
type Correlator struct {
	logger           *zap.Logger
	fullFirstMessage bool
}

// CorrelatorOption customizes a Correlator.
type CorrelatorOption func(*Correlator)

// WithCorrelatorLogger overrides the logger.
func WithCorrelatorLogger(logger *zap.Logger) CorrelatorOption {
	return func(c *Correlator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithFullFirstMessage stores the unstripped first message as the ticket
// description.
func WithFullFirstMessage(enabled bool) CorrelatorOption {
	return func(c *Correlator) { c.fullFirstMessage = enabled }
}

// NewCorrelator builds a correlator.
func NewCorrelator(opts ...CorrelatorOption) *Correlator {
	c := &Correlator{logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// trackingPattern matches the last "[SLUG-123]" token of a subject.
func trackingPattern(slug string) *regexp.Regexp {
	return regexp.MustCompile(`.*\[` + regexp.QuoteMeta(slug) + `-(\d+)\]`)
}

// TrackingID extracts the ticket id referenced by subject for the queue slug.
func TrackingID(subject, slug string) (int, bool) {
	if slug == "" {
		return 0, false
	}
	m := trackingPattern(slug).FindStringSubmatch(subject)
	if m == nil {
		return 0, false
	}
	id, err := strconv.Atoi(m[1])
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Correlate runs inside the caller's transaction. On error every write it made
// is rolled back with the transaction.
func (c *Correlator) Correlate(ctx context.Context, tx repository.TicketTx, parsed *decoder.ParsedMessage, queue models.Queue) (Correlation, error) {
	if parsed.MessageID != "" {
		seen, err := tx.FollowUpExists(ctx, queue.ID, parsed.MessageID)
		if err != nil {
			return Correlation{}, fmt.Errorf("check message id: %w", err)
		}
		if seen {
			return Correlation{Skipped: true, Duplicate: true}, nil
		}
	}

	ticket, err := c.findExisting(ctx, tx, parsed, queue)
	if err != nil {
		return Correlation{}, err
	}

	result := Correlation{Ticket: ticket}
	if ticket == nil {
		if queue.UpdateOnly {
			return Correlation{Skipped: true}, nil
		}
		ticket, err = c.createTicket(ctx, tx, parsed, queue)
		if err != nil {
			return Correlation{}, err
		}
		result.Ticket = ticket
		result.IsNew = true
	} else if ticket.IsClosed() {
		if err := tx.UpdateTicketStatus(ctx, ticket, models.StatusReopened); err != nil {
			return Correlation{}, fmt.Errorf("reopen ticket %s: %w", ticket.TrackingID(), err)
		}
		result.Reopened = true
	}

	followUp := buildFollowUp(parsed, ticket, queue.ID, result.Reopened)
	if err := tx.CreateFollowUp(ctx, followUp); err != nil {
		return Correlation{}, fmt.Errorf("create followup on %s: %w", ticket.TrackingID(), err)
	}
	result.FollowUp = followUp
	return result, nil
}

// findExisting resolves the ticket a message replies to: the subject's
// tracking id first, then the In-Reply-To and References headers.
func (c *Correlator) findExisting(ctx context.Context, tx repository.TicketTx, parsed *decoder.ParsedMessage, queue models.Queue) (*models.Ticket, error) {
	var ticket *models.Ticket
	if id, ok := TrackingID(parsed.Subject, queue.Slug); ok {
		t, err := tx.FindTicketByID(ctx, queue.Slug, id)
		switch {
		case err == nil:
			ticket = t
		case errors.Is(err, repository.ErrNotFound):
			c.logger.Info("tracking id does not match a ticket, treating as new",
				zap.String("tracking_id", fmt.Sprintf("%s-%d", queue.Slug, id)))
		default:
			return nil, fmt.Errorf("find ticket %s-%d: %w", queue.Slug, id, err)
		}
	}

	if ticket == nil {
		if refs := parsed.ReferenceIDs(); len(refs) > 0 {
			t, err := tx.FindTicketByMessageID(ctx, queue.ID, refs)
			switch {
			case err == nil:
				ticket = t
			case errors.Is(err, repository.ErrNotFound):
			default:
				return nil, fmt.Errorf("find ticket by message id: %w", err)
			}
		}
	}
	if ticket == nil {
		return nil, nil
	}
	return c.followMerges(ctx, tx, ticket)
}

// followMerges forwards to the ticket a merged ticket was folded into.
func (c *Correlator) followMerges(ctx context.Context, tx repository.TicketTx, ticket *models.Ticket) (*models.Ticket, error) {
	for hops := 0; ticket.MergedToID != nil && hops < maxMergeHops; hops++ {
		target, err := tx.FindTicketByID(ctx, "", *ticket.MergedToID)
		if errors.Is(err, repository.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("follow merged ticket %d: %w", *ticket.MergedToID, err)
		}
		c.logger.Debug("reply to merged ticket forwarded",
			zap.String("from", ticket.TrackingID()), zap.String("to", target.TrackingID()))
		ticket = target
	}
	return ticket, nil
}

func (c *Correlator) createTicket(ctx context.Context, tx repository.TicketTx, parsed *decoder.ParsedMessage, queue models.Queue) (*models.Ticket, error) {
	title := parsed.Subject
	if title == "" {
		title = decoder.NoSubject
	}
	description := parsed.BodyText
	if c.fullFirstMessage && parsed.FullBodyText != "" {
		description = parsed.FullBodyText
	}
	priority := parsed.PriorityHint
	if priority == 0 {
		priority = models.PriorityNormal
	}
	ticket := &models.Ticket{
		QueueID:        queue.ID,
		QueueSlug:      queue.Slug,
		Title:          title,
		Description:    description,
		SubmitterEmail: parsed.SenderEmail,
		Status:         models.StatusOpen,
		Priority:       priority,
	}
	if err := tx.CreateTicket(ctx, ticket); err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	if ticket.QueueSlug == "" {
		ticket.QueueSlug = queue.Slug
	}
	return ticket, nil
}

// buildFollowUp records the follow-up under the mailbox's queue so Message-ID
// lookups stay queue scoped even for replies forwarded to a merged ticket.
func buildFollowUp(parsed *decoder.ParsedMessage, ticket *models.Ticket, queueID int, reopened bool) *models.FollowUp {
	title := "E-Mail Received from " + parsed.SenderEmail
	var newStatus *models.TicketStatus
	if reopened {
		title = "Ticket Re-Opened by E-Mail Received from " + parsed.SenderEmail
		status := models.StatusReopened
		newStatus = &status
	}
	followUp := &models.FollowUp{
		TicketID:  ticket.ID,
		QueueID:   queueID,
		Title:     title,
		Comment:   parsed.BodyText,
		Public:    true,
		NewStatus: newStatus,
		MessageID: parsed.MessageID,
	}
	for _, att := range parsed.Attachments {
		followUp.Attachments = append(followUp.Attachments, models.Attachment{
			Filename: att.Filename,
			MimeType: att.MimeType,
			Size:     int64(len(att.Content)),
			Content:  att.Content,
		})
	}
	return followUp
}
