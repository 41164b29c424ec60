// Package postmaster turns the mail of a queue's mailbox into ticket state.
package postmaster

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-postmaster/internal/email/inbound/connector"
	"github.com/gotrs-io/gotrs-postmaster/internal/email/inbound/decoder"
	"github.com/gotrs-io/gotrs-postmaster/internal/email/inbound/filters"
	"github.com/gotrs-io/gotrs-postmaster/internal/logger"
	"github.com/gotrs-io/gotrs-postmaster/internal/models"
	"github.com/gotrs-io/gotrs-postmaster/internal/notifications"
	"github.com/gotrs-io/gotrs-postmaster/internal/repository"
)

// closeTimeout bounds the session teardown, which for IMAP includes the
// EXPUNGE of consumed messages.
const closeTimeout = 30 * time.Second

// CycleReport summarizes one ProcessQueue call.
type CycleReport struct {
	QueueSlug       string    `json:"queue_slug"`
	MessagesSeen    int       `json:"messages_seen"`
	TicketsCreated  int       `json:"tickets_created"`
	TicketsUpdated  int       `json:"tickets_updated"`
	MessagesSkipped int       `json:"messages_skipped"`
	Errors          int       `json:"errors"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	// AbortReason is set when the cycle stopped early.
	AbortReason string `json:"abort_reason,omitempty"`
}

// Failed reports whether the cycle aborted.
func (r CycleReport) Failed() bool { return r.AbortReason != "" }

// Duration is the wall time of the cycle.
func (r CycleReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Outcome classifies what happened to a single message.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeKept      Outcome = "kept"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRetained  Outcome = "retained"
)

// Observer receives per-message outcomes and finished cycles.
type Observer interface {
	MessageProcessed(queueSlug string, outcome Outcome)
	CycleFinished(report CycleReport)
}

type nopObserver struct{}

func (nopObserver) MessageProcessed(string, Outcome) {}
func (nopObserver) CycleFinished(CycleReport)        {}

// Engine runs polling cycles. It holds no per-queue state, so one Engine can
// serve several queues concurrently.
type Engine struct {
	sources  connector.Factory
	store    repository.Store
	decoder  *decoder.Decoder
	rules    filters.RuleSource
	notifier notifications.Notifier
	observer Observer
	logger   *zap.Logger
	now      func() time.Time

	fullFirstMessage bool
}

// Option customizes an Engine.
type Option func(*Engine)

// WithEngineLogger sets the base logger; each cycle derives a queue scoped child.
func WithEngineLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithDecoder overrides the message decoder.
func WithDecoder(d *decoder.Decoder) Option {
	return func(e *Engine) {
		if d != nil {
			e.decoder = d
		}
	}
}

// WithRuleSource sets where ignore rules are loaded from at cycle start.
func WithRuleSource(src filters.RuleSource) Option {
	return func(e *Engine) { e.rules = src }
}

// WithNotifier sets the notifier handed the post-commit requests.
func WithNotifier(n notifications.Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithObserver registers metrics hooks.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithEngineClock overrides the clock used for reports and requests.
func WithEngineClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithFullFirstMessageDescription stores the unstripped first message as the
// description of new tickets.
func WithFullFirstMessageDescription(enabled bool) Option {
	return func(e *Engine) { e.fullFirstMessage = enabled }
}

// NewEngine wires an engine over sources and store.
func NewEngine(sources connector.Factory, store repository.Store, opts ...Option) *Engine {
	e := &Engine{
		sources:  sources,
		store:    store,
		decoder:  decoder.New(),
		notifier: notifications.Nop,
		observer: nopObserver{},
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// ProcessQueue polls the queue's mailbox once. A non-nil error means the
// cycle aborted: transport failures, an unreachable store, a bad proxy setting
// or ctx expiring. Messages consumed before the abort stay consumed.
func (e *Engine) ProcessQueue(ctx context.Context, queue models.Queue) (report CycleReport, err error) {
	report = CycleReport{QueueSlug: queue.Slug, StartedAt: e.now()}
	log := logger.ForQueue(e.logger, queue.Slug, queue.EffectiveLogLevel())
	defer func() {
		report.FinishedAt = e.now()
		if err != nil {
			report.AbortReason = err.Error()
			log.Error("mail cycle aborted", zap.Error(err), zap.Int("messages_seen", report.MessagesSeen))
		} else {
			log.Info("mail cycle finished",
				zap.Int("messages_seen", report.MessagesSeen),
				zap.Int("tickets_created", report.TicketsCreated),
				zap.Int("tickets_updated", report.TicketsUpdated),
				zap.Int("messages_skipped", report.MessagesSkipped),
				zap.Int("errors", report.Errors),
			)
		}
		e.observer.CycleFinished(report)
	}()

	filter, err := filters.LoadFilter(ctx, e.rules)
	if err != nil {
		return report, err
	}

	src, err := e.sources.Open(ctx, queue.Mailbox)
	if err != nil {
		return report, fmt.Errorf("open %s mailbox: %w", queue.Mailbox.Kind, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if cerr := src.Close(closeCtx); cerr != nil {
			if err == nil {
				err = cerr
			} else {
				log.Warn("closing mailbox failed", zap.Error(cerr))
			}
		}
	}()

	handles, err := src.List(ctx)
	if err != nil {
		return report, err
	}
	log.Debug("mailbox listed", zap.Int("messages", len(handles)))

	run := &cycle{
		engine:     e,
		log:        log,
		src:        src,
		filter:     filter,
		queue:      queue,
		report:     &report,
		correlator: NewCorrelator(WithCorrelatorLogger(log), WithFullFirstMessage(e.fullFirstMessage)),
		ccs:        NewCCResolver(log),
	}
	for _, h := range handles {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.MessagesSeen++
		outcome, err := run.process(ctx, h)
		if outcome != "" {
			e.observer.MessageProcessed(queue.Slug, outcome)
		}
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

// cycle is the state of one ProcessQueue call.
type cycle struct {
	engine *Engine
	log    *zap.Logger
	src    connector.MailSource
	filter *filters.IgnoreFilter
	queue  models.Queue
	report *CycleReport

	correlator *Correlator
	ccs        *CCResolver
}

// process handles one message. Only errors that abort the cycle are returned;
// message level failures are counted and the message is retained.
func (c *cycle) process(ctx context.Context, h connector.MessageHandle) (Outcome, error) {
	e := c.engine
	log := c.log.With(zap.String("message", h.String()))

	raw, err := c.src.Fetch(ctx, h)
	if err != nil {
		return "", err
	}

	parsed, err := e.decoder.WithLogger(log).Decode(raw.Raw)
	if err != nil {
		log.Warn("message cannot be decoded, leaving it in the mailbox", zap.Error(err))
		c.report.Errors++
		return OutcomeRetained, nil
	}
	if parsed.SenderEmail == "" {
		log.Warn("message has no usable sender, leaving it in the mailbox", zap.String("subject", parsed.Subject))
		c.report.Errors++
		return OutcomeRetained, nil
	}
	log = log.With(zap.String("sender", parsed.SenderEmail))

	if verdict := c.filter.Check(parsed.SenderEmail, c.queue.ID); verdict.Ignored {
		c.report.MessagesSkipped++
		ruleName := ""
		if verdict.Rule != nil {
			ruleName = verdict.Rule.Name
		}
		if verdict.KeepInMailbox {
			log.Info("sender ignored, message kept in mailbox", zap.String("rule", ruleName))
			return OutcomeKept, nil
		}
		log.Info("sender ignored, message discarded", zap.String("rule", ruleName))
		return OutcomeIgnored, c.src.MarkConsumed(ctx, h)
	}

	var (
		corr Correlation
		ccs  []models.TicketCC
	)
	err = e.store.WithinTx(ctx, func(tx repository.TicketTx) error {
		var err error
		corr, err = c.correlator.Correlate(ctx, tx, parsed, c.queue)
		if err != nil || corr.Skipped {
			return err
		}
		candidates := append(append([]string(nil), parsed.CCAddresses...), parsed.ToAddresses...)
		if _, err := c.ccs.Apply(ctx, tx, corr.Ticket, c.queue, candidates); err != nil {
			return err
		}
		ccs, err = tx.ListExistingCCs(ctx, corr.Ticket.ID)
		return err
	})
	if err != nil {
		if repository.IsUnavailable(err) || ctx.Err() != nil {
			return "", fmt.Errorf("ticket store: %w", err)
		}
		log.Warn("ticket update failed, leaving message in the mailbox", zap.Error(err))
		c.report.Errors++
		return OutcomeRetained, nil
	}

	var outcome Outcome
	switch {
	case corr.Duplicate:
		c.report.MessagesSkipped++
		outcome = OutcomeDuplicate
		log.Info("message already recorded, discarding", zap.String("message_id", parsed.MessageID))
	case corr.Skipped:
		c.report.MessagesSkipped++
		outcome = OutcomeSkipped
		log.Info("queue only accepts updates, discarding unmatched message", zap.String("subject", parsed.Subject))
	case corr.IsNew:
		c.report.TicketsCreated++
		outcome = OutcomeCreated
		log.Info("ticket created", zap.String("ticket", corr.Ticket.TrackingID()))
	default:
		c.report.TicketsUpdated++
		outcome = OutcomeUpdated
		log.Info("ticket updated", zap.String("ticket", corr.Ticket.TrackingID()), zap.Bool("reopened", corr.Reopened))
	}

	if !corr.Skipped {
		c.notify(ctx, log, corr, parsed, ccs)
	}

	if err := c.src.MarkConsumed(ctx, h); err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (c *cycle) notify(ctx context.Context, log *zap.Logger, corr Correlation, parsed *decoder.ParsedMessage, ccs []models.TicketCC) {
	if parsed.IsAutoReply {
		log.Debug("auto reply, no notifications")
		return
	}
	req, ok := BuildNotification(corr, c.queue, parsed, ccs, c.engine.now())
	if !ok {
		return
	}
	if err := c.engine.notifier.Send(ctx, req); err != nil {
		log.Warn("notification failed", zap.String("request_id", req.ID), zap.Error(err))
	}
}
