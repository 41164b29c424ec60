package postmaster

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-postmaster/internal/email/inbound/decoder"
	"github.com/gotrs-io/gotrs-postmaster/internal/models"
	"github.com/gotrs-io/gotrs-postmaster/internal/repository"
)

func TestTrackingID(t *testing.T) {
	cases := []struct {
		subject string
		slug    string
		id      int
		ok      bool
	}{
		{"[QQ-12] Printer", "QQ", 12, true},
		{"Re: Fwd: [QQ-3] again", "QQ", 3, true},
		{"[QQ-1] and [QQ-2]", "QQ", 2, true},
		{"[qq-12] lower case", "QQ", 0, false},
		{"[BILL-4] other queue", "QQ", 0, false},
		{"[QQ-0] zero", "QQ", 0, false},
		{"[QQ-x] letters", "QQ", 0, false},
		{"[A.B-5] dotted slug", "A.B", 5, true},
		{"[AxB-5] regex metachars stay literal", "A.B", 0, false},
		{"no token", "QQ", 0, false},
		{"[QQ-5]", "", 0, false},
	}
	for _, tc := range cases {
		id, ok := TrackingID(tc.subject, tc.slug)
		assert.Equal(t, tc.ok, ok, tc.subject)
		assert.Equal(t, tc.id, id, tc.subject)
	}
}

func correlate(t *testing.T, store *repository.MemoryStore, c *Correlator, parsed *decoder.ParsedMessage, queue models.Queue) Correlation {
	t.Helper()
	var corr Correlation
	err := store.WithinTx(context.Background(), func(tx repository.TicketTx) error {
		var err error
		corr, err = c.Correlate(context.Background(), tx, parsed, queue)
		return err
	})
	require.NoError(t, err)
	return corr
}

func TestCorrelateCreatesTicket(t *testing.T) {
	store := repository.NewMemoryStore()
	queue := models.Queue{ID: 1, Slug: "QQ"}
	store.AddQueue(queue)

	corr := correlate(t, store, NewCorrelator(), &decoder.ParsedMessage{
		SenderEmail: "a@x.com",
		BodyText:    "Hello",
		MessageID:   "m1@x.com",
		Attachments: []decoder.Attachment{{Filename: "a.txt", MimeType: "text/plain", Content: []byte("abc")}},
	}, queue)

	assert.True(t, corr.IsNew)
	assert.False(t, corr.Reopened)
	require.NotNil(t, corr.Ticket)
	assert.Equal(t, decoder.NoSubject, corr.Ticket.Title)
	assert.Equal(t, models.PriorityNormal, corr.Ticket.Priority)
	assert.Equal(t, "QQ-1", corr.Ticket.TrackingID())

	require.NotNil(t, corr.FollowUp)
	assert.Equal(t, 1, corr.FollowUp.QueueID)
	assert.Equal(t, "m1@x.com", corr.FollowUp.MessageID)
	require.Len(t, corr.FollowUp.Attachments, 1)
	assert.Equal(t, int64(3), corr.FollowUp.Attachments[0].Size)
}

func TestCorrelateDuplicateMessageID(t *testing.T) {
	store := repository.NewMemoryStore()
	queue := models.Queue{ID: 1, Slug: "QQ"}
	store.AddQueue(queue)
	store.AddTicket(models.Ticket{ID: 1, QueueID: 1})
	store.AddFollowUp(models.FollowUp{TicketID: 1, MessageID: "dup@x.com"})

	corr := correlate(t, store, NewCorrelator(), &decoder.ParsedMessage{SenderEmail: "a@x.com", MessageID: "dup@x.com"}, queue)
	assert.True(t, corr.Skipped)
	assert.True(t, corr.Duplicate)
	assert.Nil(t, corr.Ticket)

	other := models.Queue{ID: 2, Slug: "BILL"}
	store.AddQueue(other)
	corr = correlate(t, store, NewCorrelator(), &decoder.ParsedMessage{SenderEmail: "a@x.com", MessageID: "dup@x.com"}, other)
	assert.False(t, corr.Duplicate, "message ids are scoped per queue")
	assert.True(t, corr.IsNew)
}

func TestCorrelateTrackingIDBeatsReferences(t *testing.T) {
	store := repository.NewMemoryStore()
	queue := models.Queue{ID: 1, Slug: "QQ"}
	store.AddQueue(queue)
	store.AddTicket(models.Ticket{ID: 1, QueueID: 1, Status: models.StatusOpen})
	store.AddTicket(models.Ticket{ID: 2, QueueID: 1, Status: models.StatusOpen})
	store.AddFollowUp(models.FollowUp{TicketID: 2, MessageID: "thread@x.com"})

	corr := correlate(t, store, NewCorrelator(), &decoder.ParsedMessage{
		Subject:     "[QQ-1] Mixed",
		SenderEmail: "a@x.com",
		InReplyTo:   []string{"thread@x.com"},
	}, queue)

	assert.False(t, corr.IsNew)
	assert.Equal(t, 1, corr.Ticket.ID)
}

func TestCorrelateMergeChainIsBounded(t *testing.T) {
	store := repository.NewMemoryStore()
	queue := models.Queue{ID: 1, Slug: "QQ"}
	store.AddQueue(queue)
	one, two := 1, 2
	store.AddTicket(models.Ticket{ID: 1, QueueID: 1, Status: models.StatusOpen, MergedToID: &two})
	store.AddTicket(models.Ticket{ID: 2, QueueID: 1, Status: models.StatusOpen, MergedToID: &one})

	corr := correlate(t, store, NewCorrelator(), &decoder.ParsedMessage{Subject: "[QQ-1] loop", SenderEmail: "a@x.com"}, queue)

	require.NotNil(t, corr.Ticket)
	assert.Equal(t, 1, corr.Ticket.ID, "an even number of hops lands back on the first ticket")
}

func TestCorrelateMergeAcrossQueues(t *testing.T) {
	store := repository.NewMemoryStore()
	queue := models.Queue{ID: 1, Slug: "QQ"}
	store.AddQueue(queue)
	store.AddQueue(models.Queue{ID: 2, Slug: "BILL"})
	target := 9
	store.AddTicket(models.Ticket{ID: 3, QueueID: 1, Status: models.StatusClosed, MergedToID: &target})
	store.AddTicket(models.Ticket{ID: 9, QueueID: 2, Status: models.StatusClosed})

	corr := correlate(t, store, NewCorrelator(), &decoder.ParsedMessage{Subject: "[QQ-3] moved", SenderEmail: "a@x.com"}, queue)

	assert.Equal(t, "BILL-9", corr.Ticket.TrackingID())
	assert.True(t, corr.Reopened)
	assert.Equal(t, 1, corr.FollowUp.QueueID)
}

type lookupFailingTx struct {
	repository.TicketTx
}

func (lookupFailingTx) FollowUpExists(context.Context, int, string) (bool, error) {
	return false, repository.ErrUnavailable
}

func TestCorrelateWrapsStoreErrors(t *testing.T) {
	store := repository.NewMemoryStore()
	err := store.WithinTx(context.Background(), func(tx repository.TicketTx) error {
		_, err := NewCorrelator().Correlate(context.Background(), lookupFailingTx{tx},
			&decoder.ParsedMessage{SenderEmail: "a@x.com", MessageID: "m@x.com"}, models.Queue{ID: 1, Slug: "QQ"})
		return err
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, repository.ErrUnavailable))
	assert.Empty(t, store.Tickets())
}
