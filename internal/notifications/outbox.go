package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// OutboxNotifier appends requests to the notification_outbox table. A mailer
// outside this process drains the table and sets sent_at.
type OutboxNotifier struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewOutboxNotifier wraps db.
func NewOutboxNotifier(db *sqlx.DB) *OutboxNotifier {
	return &OutboxNotifier{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Send implements Notifier.
func (n *OutboxNotifier) Send(ctx context.Context, req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	created := req.CreatedAt
	if created.IsZero() {
		created = n.now()
	}
	_, err = n.db.ExecContext(ctx, n.db.Rebind(`
		INSERT INTO notification_outbox (request_id, event, queue_slug, ticket_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		req.ID, string(req.Event), req.Context.QueueSlug, req.Context.TicketID, string(payload), created,
	)
	if err != nil {
		return fmt.Errorf("insert notification outbox: %w", err)
	}
	return nil
}

// OutboxEntry is one unsent row of the outbox.
type OutboxEntry struct {
	ID        int       `db:"id"`
	RequestID string    `db:"request_id"`
	Event     string    `db:"event"`
	Payload   string    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

// Request decodes the stored payload.
func (e OutboxEntry) Request() (Request, error) {
	var req Request
	if err := json.Unmarshal([]byte(e.Payload), &req); err != nil {
		return Request{}, fmt.Errorf("decode outbox entry %d: %w", e.ID, err)
	}
	return req, nil
}

// Pending returns up to limit unsent entries, oldest first.
func (n *OutboxNotifier) Pending(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []OutboxEntry
	err := n.db.SelectContext(ctx, &entries, n.db.Rebind(`
		SELECT id, request_id, event, payload, created_at
		FROM notification_outbox
		WHERE sent_at IS NULL
		ORDER BY id
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("select notification outbox: %w", err)
	}
	return entries, nil
}

// MarkSent stamps sent_at on the given entries.
func (n *OutboxNotifier) MarkSent(ctx context.Context, ids ...int) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE notification_outbox SET sent_at = ? WHERE id IN (?)`, n.now(), ids)
	if err != nil {
		return err
	}
	if _, err := n.db.ExecContext(ctx, n.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("mark notification outbox sent: %w", err)
	}
	return nil
}
