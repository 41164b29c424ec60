package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/gotrs-io/gotrs-postmaster/internal/models"
)

// QueueSyncer makes a configured queue known to the store and fills in its
// stored ID.
type QueueSyncer interface {
	SyncQueue(ctx context.Context, queue *models.Queue) error
}

// SyncQueue implements QueueSyncer. Queues are matched by slug; an existing
// row is updated with the configured settings.
func (s *MemoryStore) SyncQueue(ctx context.Context, queue *models.Queue) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	maxID := 0
	for id, slug := range s.state.queues {
		if strings.EqualFold(slug, queue.Slug) {
			queue.ID = id
			return nil
		}
		if id > maxID {
			maxID = id
		}
	}
	if queue.ID == 0 {
		queue.ID = maxID + 1
	}
	s.state.queues[queue.ID] = queue.Slug
	return nil
}

// SyncQueue implements QueueSyncer.
func (s *SQLStore) SyncQueue(ctx context.Context, queue *models.Queue) error {
	return s.WithinTx(ctx, func(tx TicketTx) error {
		t := tx.(*sqlTx)
		var id int
		err := t.tx.GetContext(ctx, &id, t.q(`SELECT id FROM queues WHERE slug = ?`), queue.Slug)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			id, err = t.insert(ctx, `
				INSERT INTO queues (slug, title, email_address, update_only, notify_on_email_events,
					new_ticket_cc, updated_ticket_cc, log_level)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				queue.Slug, queue.Title, queue.EmailAddress, queue.UpdateOnly, queue.NotifyOnEmailEvents,
				queue.NewTicketCC, queue.UpdatedTicketCC, queue.LogLevel,
			)
			if err != nil {
				return wrapErr("insert queue", err)
			}
		case err != nil:
			return wrapErr("select queue", err)
		default:
			if _, err := t.tx.ExecContext(ctx, t.q(`
				UPDATE queues SET title = ?, email_address = ?, update_only = ?, notify_on_email_events = ?,
					new_ticket_cc = ?, updated_ticket_cc = ?, log_level = ?
				WHERE id = ?`),
				queue.Title, queue.EmailAddress, queue.UpdateOnly, queue.NotifyOnEmailEvents,
				queue.NewTicketCC, queue.UpdatedTicketCC, queue.LogLevel, id,
			); err != nil {
				return wrapErr("update queue", err)
			}
		}
		queue.ID = id
		return nil
	})
}
