package postmaster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-postmaster/internal/models"
	"github.com/gotrs-io/gotrs-postmaster/internal/repository"
)

// CCResolver adds message recipients to a ticket's CC list without ever
// duplicating an address already involved in the ticket.
type CCResolver struct {
	logger *zap.Logger
}

// NewCCResolver builds a resolver; a nil logger disables logging.
func NewCCResolver(logger *zap.Logger) *CCResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CCResolver{logger: logger}
}

// Apply creates the CC rows for candidates and returns them in insertion
// order: user-linked rows first in candidate order, then plain addresses
// sorted ascending.
func (r *CCResolver) Apply(ctx context.Context, tx repository.TicketTx, ticket *models.Ticket, queue models.Queue, candidates []string) ([]models.TicketCC, error) {
	existing, err := tx.ListExistingCCs(ctx, ticket.ID)
	if err != nil {
		return nil, fmt.Errorf("list ticket ccs: %w", err)
	}

	excluded := make(map[string]struct{}, len(existing)+3)
	exclude := func(email string) {
		if n := normalizeCandidate(email); n != "" {
			excluded[strings.ToLower(n)] = struct{}{}
		}
	}
	exclude(queue.EmailAddress)
	exclude(ticket.SubmitterEmail)
	exclude(ticket.AssigneeEmail)
	for _, cc := range existing {
		exclude(cc.Email)
		exclude(cc.UserEmail)
	}

	var (
		linked []models.TicketCC
		plain  []string
	)
	for _, candidate := range candidates {
		email := normalizeCandidate(candidate)
		if !validCandidate(email) {
			if email != "" {
				r.logger.Debug("dropping invalid cc address", zap.String("address", email))
			}
			continue
		}
		key := strings.ToLower(email)
		if _, skip := excluded[key]; skip {
			continue
		}
		excluded[key] = struct{}{}

		user, err := tx.FindUserByEmail(ctx, email)
		switch {
		case err == nil:
			uid := user.ID
			linked = append(linked, models.TicketCC{
				TicketID:  ticket.ID,
				UserID:    &uid,
				UserEmail: user.Email,
				CanView:   true,
				CanUpdate: false,
			})
		case errors.Is(err, repository.ErrNotFound):
			plain = append(plain, email)
		default:
			return nil, fmt.Errorf("find user %s: %w", email, err)
		}
	}
	sort.Strings(plain)

	created := make([]models.TicketCC, 0, len(linked)+len(plain))
	for _, cc := range linked {
		if err := tx.CreateTicketCC(ctx, &cc); err != nil {
			return nil, fmt.Errorf("create ticket cc %s: %w", cc.UserEmail, err)
		}
		created = append(created, cc)
	}
	for _, email := range plain {
		cc := models.TicketCC{TicketID: ticket.ID, Email: email, CanView: true, CanUpdate: false}
		if err := tx.CreateTicketCC(ctx, &cc); err != nil {
			return nil, fmt.Errorf("create ticket cc %s: %w", email, err)
		}
		created = append(created, cc)
	}
	return created, nil
}

// normalizeCandidate drops every whitespace rune, including CR/LF left over
// from folded headers.
func normalizeCandidate(addr string) string {
	return strings.Join(strings.Fields(addr), "")
}

func validCandidate(email string) bool {
	at := strings.LastIndex(email, "@")
	return at > 0 && at < len(email)-1
}
