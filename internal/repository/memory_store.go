package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gotrs-io/gotrs-postmaster/internal/models"
)

// MemoryStore implements Store in memory. Transactions are serialized and
// roll back by restoring a snapshot. For development and tests.
type MemoryStore struct {
	mu    sync.Mutex
	state memoryState
	now   func() time.Time

	unavailable error
}

type memoryState struct {
	tickets   map[int]models.Ticket
	followUps []models.FollowUp
	ccs       []models.TicketCC
	users     map[string]models.User
	queues    map[int]string

	nextTicketID   int
	nextFollowUpID int
	nextCCID       int
	nextAttachID   int
}

func (s memoryState) clone() memoryState {
	out := s
	out.tickets = make(map[int]models.Ticket, len(s.tickets))
	for id, t := range s.tickets {
		out.tickets[id] = t
	}
	out.followUps = append([]models.FollowUp(nil), s.followUps...)
	out.ccs = append([]models.TicketCC(nil), s.ccs...)
	out.users = make(map[string]models.User, len(s.users))
	for k, u := range s.users {
		out.users[k] = u
	}
	out.queues = make(map[int]string, len(s.queues))
	for k, v := range s.queues {
		out.queues[k] = v
	}
	return out
}

// NewMemoryStore creates an empty store. Ticket IDs start at 1.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memoryState{
			tickets:        make(map[int]models.Ticket),
			users:          make(map[string]models.User),
			queues:         make(map[int]string),
			nextTicketID:   1,
			nextFollowUpID: 1,
			nextCCID:       1,
			nextAttachID:   1,
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetUnavailable makes following transactions fail with ErrUnavailable until
// it is called again with false.
func (s *MemoryStore) SetUnavailable(unavailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if unavailable {
		s.unavailable = ErrUnavailable
	} else {
		s.unavailable = nil
	}
}

// WithinTx implements Store.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx TicketTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable != nil {
		return s.unavailable
	}
	snapshot := s.state.clone()
	if err := fn(&memoryTx{store: s}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

// AddUser seeds a user account.
func (s *MemoryStore) AddUser(user models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.users[models.NormalizeEmail(user.Email)] = user
}

// AddQueue registers the slug of a queue so tickets can carry it.
func (s *MemoryStore) AddQueue(queue models.Queue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.queues[queue.ID] = queue.Slug
}

// AddTicket seeds a ticket, keeping its ID when set.
func (s *MemoryStore) AddTicket(ticket models.Ticket) models.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ticket.ID == 0 {
		ticket.ID = s.state.nextTicketID
	}
	if ticket.ID >= s.state.nextTicketID {
		s.state.nextTicketID = ticket.ID + 1
	}
	if ticket.QueueSlug == "" {
		ticket.QueueSlug = s.state.queues[ticket.QueueID]
	}
	s.state.tickets[ticket.ID] = ticket
	return ticket
}

// AddFollowUp seeds a follow-up, e.g. one carrying a known Message-ID.
func (s *MemoryStore) AddFollowUp(followUp models.FollowUp) models.FollowUp {
	s.mu.Lock()
	defer s.mu.Unlock()
	followUp.ID = s.state.nextFollowUpID
	s.state.nextFollowUpID++
	if followUp.QueueID == 0 {
		followUp.QueueID = s.state.tickets[followUp.TicketID].QueueID
	}
	s.state.followUps = append(s.state.followUps, followUp)
	return followUp
}

// AddTicketCC seeds a CC row.
func (s *MemoryStore) AddTicketCC(cc models.TicketCC) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc.ID = s.state.nextCCID
	s.state.nextCCID++
	s.state.ccs = append(s.state.ccs, cc)
}

// Tickets returns all tickets ordered by ID.
func (s *MemoryStore) Tickets() []models.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Ticket, 0, len(s.state.tickets))
	for _, t := range s.state.tickets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Ticket returns one ticket by ID.
func (s *MemoryStore) Ticket(id int) (models.Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.state.tickets[id]
	return t, ok
}

// FollowUps returns the follow-ups of a ticket in creation order.
func (s *MemoryStore) FollowUps(ticketID int) []models.FollowUp {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FollowUp
	for _, f := range s.state.followUps {
		if f.TicketID == ticketID {
			out = append(out, f)
		}
	}
	return out
}

// CCs returns the CC rows of a ticket in creation order.
func (s *MemoryStore) CCs(ticketID int) []models.TicketCC {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TicketCC
	for _, cc := range s.state.ccs {
		if cc.TicketID == ticketID {
			out = append(out, cc)
		}
	}
	return out
}

type memoryTx struct {
	store *MemoryStore
}

func (tx *memoryTx) st() *memoryState { return &tx.store.state }

func (tx *memoryTx) FindTicketByID(ctx context.Context, queueSlug string, id int) (*models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, ok := tx.st().tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	if queueSlug != "" && !strings.EqualFold(t.QueueSlug, queueSlug) {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (tx *memoryTx) CreateTicket(ctx context.Context, ticket *models.Ticket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st := tx.st()
	now := tx.store.now()
	ticket.ID = st.nextTicketID
	st.nextTicketID++
	if ticket.QueueSlug == "" {
		ticket.QueueSlug = st.queues[ticket.QueueID]
	}
	ticket.CreatedAt = now
	ticket.UpdatedAt = now
	st.tickets[ticket.ID] = *ticket
	return nil
}

func (tx *memoryTx) UpdateTicketStatus(ctx context.Context, ticket *models.Ticket, status models.TicketStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st := tx.st()
	stored, ok := st.tickets[ticket.ID]
	if !ok {
		return ErrNotFound
	}
	now := tx.store.now()
	stored.Status = status
	stored.UpdatedAt = now
	st.tickets[ticket.ID] = stored
	ticket.Status = status
	ticket.UpdatedAt = now
	return nil
}

func (tx *memoryTx) CreateFollowUp(ctx context.Context, followUp *models.FollowUp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st := tx.st()
	ticket, ok := st.tickets[followUp.TicketID]
	if !ok {
		return ErrNotFound
	}
	followUp.ID = st.nextFollowUpID
	st.nextFollowUpID++
	if followUp.QueueID == 0 {
		followUp.QueueID = ticket.QueueID
	}
	if followUp.CreatedAt.IsZero() {
		followUp.CreatedAt = tx.store.now()
	}
	atts := make([]models.Attachment, len(followUp.Attachments))
	for i, att := range followUp.Attachments {
		att.ID = st.nextAttachID
		st.nextAttachID++
		att.FollowUpID = followUp.ID
		att.Size = int64(len(att.Content))
		att.Content = append([]byte(nil), att.Content...)
		atts[i] = att
	}
	followUp.Attachments = atts
	stored := *followUp
	stored.Attachments = append([]models.Attachment(nil), atts...)
	st.followUps = append(st.followUps, stored)
	return nil
}

func (tx *memoryTx) ListExistingCCs(ctx context.Context, ticketID int) ([]models.TicketCC, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []models.TicketCC
	for _, cc := range tx.st().ccs {
		if cc.TicketID == ticketID {
			out = append(out, cc)
		}
	}
	return out, nil
}

func (tx *memoryTx) CreateTicketCC(ctx context.Context, cc *models.TicketCC) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st := tx.st()
	if _, ok := st.tickets[cc.TicketID]; !ok {
		return ErrNotFound
	}
	cc.ID = st.nextCCID
	st.nextCCID++
	st.ccs = append(st.ccs, *cc)
	return nil
}

func (tx *memoryTx) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, ok := tx.st().users[models.NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (tx *memoryTx) FindTicketByMessageID(ctx context.Context, queueID int, ids []string) (*models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			wanted[id] = struct{}{}
		}
	}
	st := tx.st()
	var best *models.FollowUp
	for i := range st.followUps {
		f := &st.followUps[i]
		if f.QueueID != queueID || f.MessageID == "" {
			continue
		}
		if _, ok := wanted[f.MessageID]; !ok {
			continue
		}
		if best == nil || !f.CreatedAt.Before(best.CreatedAt) {
			best = f
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	t, ok := st.tickets[best.TicketID]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (tx *memoryTx) FollowUpExists(ctx context.Context, queueID int, messageID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if messageID == "" {
		return false, nil
	}
	for _, f := range tx.st().followUps {
		if f.QueueID == queueID && f.MessageID == messageID {
			return true, nil
		}
	}
	return false, nil
}

// MemoryQueueState implements QueueStateStore in memory.
type MemoryQueueState struct {
	mu   sync.RWMutex
	last map[string]time.Time
}

// NewMemoryQueueState creates an empty queue state store.
func NewMemoryQueueState() *MemoryQueueState {
	return &MemoryQueueState{last: make(map[string]time.Time)}
}

// LastChecked implements QueueStateStore.
func (m *MemoryQueueState) LastChecked(_ context.Context, queueSlug string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.last[queueSlug]
	return at, ok, nil
}

// MarkChecked implements QueueStateStore.
func (m *MemoryQueueState) MarkChecked(_ context.Context, queueSlug string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[queueSlug] = at
	return nil
}
