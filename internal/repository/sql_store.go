package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-postmaster/internal/models"
	"github.com/gotrs-io/gotrs-postmaster/internal/storage"
)

const ticketSelect = `
	SELECT t.id, t.queue_id, q.slug AS queue_slug, t.title, t.description,
		t.submitter_email, t.assignee_id, COALESCE(u.email, '') AS assignee_email,
		t.status, t.priority, t.merged_to_id, t.created_at, t.updated_at
	FROM tickets t
	JOIN queues q ON q.id = t.queue_id
	LEFT JOIN users u ON u.id = t.assignee_id`

// SQLStore implements Store on sqlx. Queries are written with ? placeholders
// and rebound for the connected driver.
type SQLStore struct {
	db     *sqlx.DB
	blobs  storage.Backend
	now    func() time.Time
	logger *zap.Logger
}

// SQLOption customizes a SQLStore.
type SQLOption func(*SQLStore)

// WithBlobStorage stores attachment bytes in backend instead of inline.
func WithBlobStorage(backend storage.Backend) SQLOption {
	return func(s *SQLStore) { s.blobs = backend }
}

// WithSQLClock overrides the timestamp source.
func WithSQLClock(now func() time.Time) SQLOption {
	return func(s *SQLStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSQLLogger sets the logger used for blob cleanup warnings.
func WithSQLLogger(logger *zap.Logger) SQLOption {
	return func(s *SQLStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSQLStore wraps db.
func NewSQLStore(db *sqlx.DB, opts ...SQLOption) *SQLStore {
	s := &SQLStore{
		db:     db,
		now:    func() time.Time { return time.Now().UTC() },
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// WithinTx implements Store. Blobs written by a rolled back transaction are
// deleted again.
func (s *SQLStore) WithinTx(ctx context.Context, fn func(tx TicketTx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr("begin transaction", err)
	}
	stx := &sqlTx{store: s, tx: tx}
	if err := fn(stx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		stx.discardBlobs()
		return err
	}
	if err := tx.Commit(); err != nil {
		stx.discardBlobs()
		return wrapErr("commit transaction", err)
	}
	return nil
}

type sqlTx struct {
	store *SQLStore
	tx    *sqlx.Tx
	blobs []*storage.Reference
}

func (t *sqlTx) q(query string) string { return t.tx.Rebind(query) }

func (t *sqlTx) mysql() bool { return t.store.db.DriverName() == "mysql" }

// insert runs an INSERT and returns the generated id.
func (t *sqlTx) insert(ctx context.Context, query string, args ...any) (int, error) {
	if t.mysql() {
		res, err := t.tx.ExecContext(ctx, t.q(query), args...)
		if err != nil {
			return 0, err
		}
		id, err := res.LastInsertId()
		return int(id), err
	}
	var id int
	err := t.tx.QueryRowxContext(ctx, t.q(query+" RETURNING id"), args...).Scan(&id)
	return id, err
}

func (t *sqlTx) discardBlobs() {
	if t.store.blobs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, ref := range t.blobs {
		if err := t.store.blobs.Delete(ctx, ref); err != nil {
			t.store.logger.Warn("orphaned attachment blob", zap.String("location", ref.Location), zap.Error(err))
		}
	}
	t.blobs = nil
}

func (t *sqlTx) FindTicketByID(ctx context.Context, queueSlug string, id int) (*models.Ticket, error) {
	query := ticketSelect + ` WHERE t.id = ?`
	args := []any{id}
	if queueSlug != "" {
		query += ` AND LOWER(q.slug) = LOWER(?)`
		args = append(args, queueSlug)
	}
	var ticket models.Ticket
	if err := t.tx.GetContext(ctx, &ticket, t.q(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrapErr("select ticket", err)
	}
	return &ticket, nil
}

func (t *sqlTx) CreateTicket(ctx context.Context, ticket *models.Ticket) error {
	now := t.store.now()
	id, err := t.insert(ctx, `
		INSERT INTO tickets (queue_id, title, description, submitter_email, assignee_id,
			status, priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ticket.QueueID, ticket.Title, ticket.Description, ticket.SubmitterEmail, ticket.AssigneeID,
		int(ticket.Status), ticket.Priority, now, now,
	)
	if err != nil {
		return wrapErr("insert ticket", err)
	}
	ticket.ID = id
	ticket.CreatedAt = now
	ticket.UpdatedAt = now
	return nil
}

func (t *sqlTx) UpdateTicketStatus(ctx context.Context, ticket *models.Ticket, status models.TicketStatus) error {
	now := t.store.now()
	res, err := t.tx.ExecContext(ctx, t.q(`UPDATE tickets SET status = ?, updated_at = ? WHERE id = ?`),
		int(status), now, ticket.ID)
	if err != nil {
		return wrapErr("update ticket status", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	ticket.Status = status
	ticket.UpdatedAt = now
	return nil
}

func (t *sqlTx) CreateFollowUp(ctx context.Context, followUp *models.FollowUp) error {
	if followUp.CreatedAt.IsZero() {
		followUp.CreatedAt = t.store.now()
	}
	var newStatus any
	if followUp.NewStatus != nil {
		newStatus = int(*followUp.NewStatus)
	}
	id, err := t.insert(ctx, `
		INSERT INTO followups (ticket_id, queue_id, title, comment, public, new_status,
			message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		followUp.TicketID, followUp.QueueID, followUp.Title, followUp.Comment, followUp.Public,
		newStatus, nullString(followUp.MessageID), followUp.CreatedAt,
	)
	if err != nil {
		return wrapErr("insert followup", err)
	}
	followUp.ID = id

	for i := range followUp.Attachments {
		att := &followUp.Attachments[i]
		att.FollowUpID = id
		att.Size = int64(len(att.Content))
		if err := t.insertAttachment(ctx, followUp, att); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) insertAttachment(ctx context.Context, followUp *models.FollowUp, att *models.Attachment) error {
	var inline []byte
	if t.store.blobs != nil {
		ref, err := t.store.blobs.Store(ctx, int64(followUp.ID), &storage.AttachmentContent{
			FollowUpID:  int64(followUp.ID),
			ContentType: att.MimeType,
			FileName:    att.Filename,
			FileSize:    att.Size,
			Content:     att.Content,
			CreatedTime: followUp.CreatedAt,
		})
		if err != nil {
			return fmt.Errorf("store attachment %s: %w", att.Filename, err)
		}
		t.blobs = append(t.blobs, ref)
		att.Location = ref.Backend + ":" + ref.Location
	} else {
		inline = att.Content
	}
	id, err := t.insert(ctx, `
		INSERT INTO attachments (followup_id, filename, mime_type, size, location, content)
		VALUES (?, ?, ?, ?, ?, ?)`,
		att.FollowUpID, att.Filename, att.MimeType, att.Size, nullString(att.Location), inline,
	)
	if err != nil {
		return wrapErr("insert attachment", err)
	}
	att.ID = id
	return nil
}

func (t *sqlTx) ListExistingCCs(ctx context.Context, ticketID int) ([]models.TicketCC, error) {
	var ccs []models.TicketCC
	err := t.tx.SelectContext(ctx, &ccs, t.q(`
		SELECT c.id, c.ticket_id, c.user_id, COALESCE(u.email, '') AS user_email,
			COALESCE(c.email, '') AS email, c.can_view, c.can_update
		FROM ticket_ccs c
		LEFT JOIN users u ON u.id = c.user_id
		WHERE c.ticket_id = ?
		ORDER BY c.id`), ticketID)
	if err != nil {
		return nil, wrapErr("select ticket ccs", err)
	}
	return ccs, nil
}

func (t *sqlTx) CreateTicketCC(ctx context.Context, cc *models.TicketCC) error {
	id, err := t.insert(ctx, `
		INSERT INTO ticket_ccs (ticket_id, user_id, email, can_view, can_update)
		VALUES (?, ?, ?, ?, ?)`,
		cc.TicketID, cc.UserID, nullString(cc.Email), cc.CanView, cc.CanUpdate,
	)
	if err != nil {
		return wrapErr("insert ticket cc", err)
	}
	cc.ID = id
	return nil
}

func (t *sqlTx) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := t.tx.GetContext(ctx, &user, t.q(`
		SELECT id, email, is_active FROM users WHERE LOWER(email) = LOWER(?) ORDER BY id LIMIT 1`),
		strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrapErr("select user", err)
	}
	return &user, nil
}

func (t *sqlTx) FindTicketByMessageID(ctx context.Context, queueID int, ids []string) (*models.Ticket, error) {
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	query, args, err := sqlx.In(`
		SELECT ticket_id FROM followups
		WHERE queue_id = ? AND message_id IN (?)
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, queueID, ids)
	if err != nil {
		return nil, err
	}
	var ticketID int
	if err := t.tx.GetContext(ctx, &ticketID, t.q(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrapErr("select followup by message id", err)
	}
	return t.FindTicketByID(ctx, "", ticketID)
}

func (t *sqlTx) FollowUpExists(ctx context.Context, queueID int, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	var count int
	if err := t.tx.GetContext(ctx, &count, t.q(`
		SELECT COUNT(*) FROM followups WHERE queue_id = ? AND message_id = ?`),
		queueID, messageID); err != nil {
		return false, wrapErr("count followups", err)
	}
	return count > 0, nil
}

// SQLQueueState implements QueueStateStore on the queue_state table.
type SQLQueueState struct {
	db *sqlx.DB
}

// NewSQLQueueState wraps db.
func NewSQLQueueState(db *sqlx.DB) *SQLQueueState {
	return &SQLQueueState{db: db}
}

// LastChecked implements QueueStateStore.
func (s *SQLQueueState) LastChecked(ctx context.Context, queueSlug string) (time.Time, bool, error) {
	var at time.Time
	err := s.db.GetContext(ctx, &at, s.db.Rebind(`SELECT last_checked_at FROM queue_state WHERE queue_slug = ?`), queueSlug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, wrapErr("select queue state", err)
	}
	return at, true, nil
}

// MarkChecked implements QueueStateStore with a dialect specific upsert.
func (s *SQLQueueState) MarkChecked(ctx context.Context, queueSlug string, at time.Time) error {
	query := `INSERT INTO queue_state (queue_slug, last_checked_at) VALUES (?, ?)
		ON CONFLICT (queue_slug) DO UPDATE SET last_checked_at = excluded.last_checked_at`
	if s.db.DriverName() == "mysql" {
		query = `INSERT INTO queue_state (queue_slug, last_checked_at) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE last_checked_at = VALUES(last_checked_at)`
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), queueSlug, at.UTC()); err != nil {
		return wrapErr("upsert queue state", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// wrapErr annotates err with op and tags connection level failures with
// ErrUnavailable.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsUnavailable(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// unavailableMessages match drivers that report lost connections only as text.
var unavailableMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"bad connection",
	"database is closed",
	"database is locked",
}

// IsUnavailable reports whether err means the database cannot be reached, as
// opposed to a single statement failing.
func IsUnavailable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, mysql.ErrInvalidConn):
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08 is connection exception, 57P0x is operator intervention.
		code := string(pqErr.Code)
		return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "57P0")
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrIoErr:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range unavailableMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
