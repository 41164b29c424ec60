package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutbox struct {
	entries  []OutboxEntry
	marked   []int
	pendErr  error
	markErr  error
	requests int
}

func (f *fakeOutbox) Pending(_ context.Context, limit int) ([]OutboxEntry, error) {
	f.requests = limit
	if f.pendErr != nil {
		return nil, f.pendErr
	}
	return f.entries, nil
}

func (f *fakeOutbox) MarkSent(_ context.Context, ids ...int) error {
	f.marked = append(f.marked, ids...)
	return f.markErr
}

func outboxEntry(t *testing.T, id int, reqID string) OutboxEntry {
	t.Helper()
	req := sampleRequest()
	req.ID = reqID
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	return OutboxEntry{ID: id, RequestID: reqID, Event: string(req.Event), Payload: string(payload)}
}

func TestRelayForwardsAndMarks(t *testing.T) {
	box := &fakeOutbox{entries: []OutboxEntry{outboxEntry(t, 1, "req-1"), outboxEntry(t, 2, "req-2")}}
	target := NewMemoryNotifier()

	sent, err := NewRelay(box, target, 0, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, 100, box.requests)
	assert.Equal(t, []int{1, 2}, box.marked)
	got := target.Requests()
	require.Len(t, got, 2)
	assert.Equal(t, "req-2", got[1].ID)
}

func TestRelayKeepsFailedEntriesPending(t *testing.T) {
	broken := OutboxEntry{ID: 3, RequestID: "req-3", Payload: "{not json"}
	box := &fakeOutbox{entries: []OutboxEntry{outboxEntry(t, 1, "req-1"), broken, outboxEntry(t, 4, "req-4")}}
	target := NotifierFunc(func(_ context.Context, req Request) error {
		if req.ID == "req-4" {
			return errors.New("broker down")
		}
		return nil
	})

	sent, err := NewRelay(box, target, 10, nil).RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []int{1}, box.marked)
	assert.Contains(t, err.Error(), "decode outbox entry 3")
	assert.Contains(t, err.Error(), "relay req-4: broker down")
}

func TestRelayPendingError(t *testing.T) {
	box := &fakeOutbox{pendErr: errors.New("no table")}
	_, err := NewRelay(box, Nop, 10, nil).RunOnce(context.Background())
	assert.EqualError(t, err, "no table")
	assert.Empty(t, box.marked)
}
