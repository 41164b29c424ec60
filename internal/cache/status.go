// Package cache keeps short lived poll state shared between postmaster
// instances: the last cycle of every queue and the per-queue poll lock.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/gotrs-io/gotrs-postmaster/internal/email/inbound/postmaster"
)

// DefaultStatusTTL is how long a queue status survives without a new cycle.
const DefaultStatusTTL = 24 * time.Hour

// ErrLockHeld is returned when another poller owns the queue lock.
var ErrLockHeld = errors.New("cache: queue lock held elsewhere")

// Status is the poll health of one queue as shown by the status endpoint.
type Status struct {
	QueueSlug       string    `json:"queue_slug"`
	LastPollAt      time.Time `json:"last_poll_at"`
	LastStatus      string    `json:"last_status"`
	LastError       string    `json:"last_error,omitempty"`
	MessagesSeen    int       `json:"messages_seen"`
	TicketsCreated  int       `json:"tickets_created"`
	TicketsUpdated  int       `json:"tickets_updated"`
	MessagesSkipped int       `json:"messages_skipped"`
	Errors          int       `json:"errors"`
	DurationMS      int64     `json:"duration_ms"`
	NextPollETA     time.Time `json:"next_poll_eta,omitempty"`
}

// StatusFromReport converts a finished cycle. interval is the queue's poll
// interval; zero leaves NextPollETA unset.
func StatusFromReport(report postmaster.CycleReport, interval time.Duration) Status {
	st := Status{
		QueueSlug:       report.QueueSlug,
		LastPollAt:      report.FinishedAt.UTC(),
		LastStatus:      "ok",
		LastError:       report.AbortReason,
		MessagesSeen:    report.MessagesSeen,
		TicketsCreated:  report.TicketsCreated,
		TicketsUpdated:  report.TicketsUpdated,
		MessagesSkipped: report.MessagesSkipped,
		Errors:          report.Errors,
		DurationMS:      report.Duration().Milliseconds(),
	}
	if report.Failed() {
		st.LastStatus = "error"
	}
	if interval > 0 && !report.FinishedAt.IsZero() {
		st.NextPollETA = report.FinishedAt.Add(interval).UTC()
	}
	return st
}

// StatusStore persists the latest Status per queue.
type StatusStore interface {
	PutStatus(ctx context.Context, st Status) error
	// GetStatus returns ok=false when the queue has no recorded cycle.
	GetStatus(ctx context.Context, queueSlug string) (st Status, ok bool, err error)
	// ListStatus returns every recorded queue ordered by slug.
	ListStatus(ctx context.Context) ([]Status, error)
}

// Locker serializes polling of a mailbox across processes. A POP3 mailbox
// polled twice at once would create every ticket twice.
type Locker interface {
	// Acquire returns ErrLockHeld when the queue is already being polled.
	// The returned release func is safe to call once.
	Acquire(ctx context.Context, queueSlug string, ttl time.Duration) (release func(context.Context) error, err error)
}
