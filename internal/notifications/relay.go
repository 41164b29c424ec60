package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Outbox is the storage side of the relay; OutboxNotifier satisfies it.
type Outbox interface {
	Pending(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkSent(ctx context.Context, ids ...int) error
}

// Relay forwards outbox entries to a live notifier. Entries that fail to
// send stay pending and are retried on the next pass.
type Relay struct {
	outbox Outbox
	target Notifier
	batch  int
	logger *zap.Logger
}

// NewRelay creates a relay moving up to batch entries per pass.
func NewRelay(outbox Outbox, target Notifier, batch int, logger *zap.Logger) *Relay {
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{outbox: outbox, target: target, batch: batch, logger: logger}
}

// RunOnce relays one batch and returns how many entries were sent.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	entries, err := r.outbox.Pending(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	var (
		sent []int
		errs []error
	)
	for _, entry := range entries {
		req, err := entry.Request()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.target.Send(ctx, req); err != nil {
			errs = append(errs, fmt.Errorf("relay %s: %w", entry.RequestID, err))
			continue
		}
		sent = append(sent, entry.ID)
	}
	if err := r.outbox.MarkSent(ctx, sent...); err != nil {
		errs = append(errs, err)
	}
	if len(sent) > 0 {
		r.logger.Info("notification outbox relayed", zap.Int("sent", len(sent)), zap.Int("pending", len(entries)-len(sent)))
	}
	return len(sent), errors.Join(errs...)
}

// Run relays every interval until ctx ends.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Warn("notification relay failed", zap.Error(err))
			}
		}
	}
}
