// Package scheduler drives the mail cycles: a cron tick selects the queues
// whose poll interval elapsed and runs them through the ingestion engine on a
// bounded worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gotrs-io/gotrs-postmaster/internal/cache"
	"github.com/gotrs-io/gotrs-postmaster/internal/email/inbound/postmaster"
	"github.com/gotrs-io/gotrs-postmaster/internal/models"
	"github.com/gotrs-io/gotrs-postmaster/internal/repository"
)

// Poller runs one mail cycle for a queue.
type Poller interface {
	ProcessQueue(ctx context.Context, queue models.Queue) (postmaster.CycleReport, error)
}

// QueueSource lists the queues to poll.
type QueueSource interface {
	Queues(ctx context.Context) ([]models.Queue, error)
}

// StaticQueues is a fixed queue list.
type StaticQueues []models.Queue

// Queues implements QueueSource.
func (s StaticQueues) Queues(context.Context) ([]models.Queue, error) {
	out := make([]models.Queue, len(s))
	copy(out, s)
	return out, nil
}

// QueueSourceFunc adapts a function to QueueSource.
type QueueSourceFunc func(ctx context.Context) ([]models.Queue, error)

// Queues implements QueueSource.
func (f QueueSourceFunc) Queues(ctx context.Context) ([]models.Queue, error) { return f(ctx) }

// RunRecorder observes poll runs; metrics.Collector satisfies it.
type RunRecorder interface {
	PollStarted(due int) func()
}

// RunSummary describes the most recent poll run.
type RunSummary struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Due        int
	Polled     int
	Locked     int
	Err        error
}

// Service coordinates scheduled mail cycles.
type Service struct {
	poller    Poller
	state     repository.QueueStateStore
	status    cache.StatusStore
	locker    cache.Locker
	recorder  RunRecorder
	cron      *cron.Cron
	parser    cron.Parser
	schedule  string
	entryID   cron.EntryID
	logger    *zap.Logger
	location  *time.Location
	clock     func() time.Time
	rootCtx   context.Context
	startOnce sync.Once
	stopOnce  sync.Once
	running   atomic.Bool

	workers         int
	cycleTimeout    time.Duration
	lockTTL         time.Duration
	defaultInterval time.Duration
	lastCheckSpan   time.Duration
	runOnStartup    bool

	mu      sync.RWMutex
	queues  QueueSource
	lastRun RunSummary
}

// NewService wires a scheduler around the engine.
func NewService(poller Poller, opts ...Option) *Service {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	location := options.Location
	if location == nil {
		location = time.UTC
	}
	cronEngine := options.Cron
	if cronEngine == nil {
		cronEngine = cron.New(cron.WithLocation(location))
	}
	var zeroParser cron.Parser
	parser := options.Parser
	if parser == zeroParser {
		parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	}
	state := options.State
	if state == nil {
		state = repository.NewMemoryQueueState()
	}
	queues := options.Queues
	if queues == nil {
		queues = StaticQueues(nil)
	}
	workers := options.Workers
	if workers <= 0 {
		workers = 1
	}
	lockTTL := options.LockTTL
	if lockTTL <= 0 {
		lockTTL = options.CycleTimeout + time.Minute
	}

	return &Service{
		poller:          poller,
		state:           state,
		status:          options.Status,
		locker:          options.Locker,
		recorder:        options.Recorder,
		cron:            cronEngine,
		parser:          parser,
		schedule:        options.Schedule,
		logger:          options.Logger,
		location:        location,
		clock:           options.Clock,
		workers:         workers,
		cycleTimeout:    options.CycleTimeout,
		lockTTL:         lockTTL,
		defaultInterval: options.DefaultInterval,
		lastCheckSpan:   options.LastCheckSpan,
		runOnStartup:    options.RunOnStartup,
		queues:          queues,
	}
}

// Run starts the cron loop and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	var startErr error
	s.startOnce.Do(func() {
		s.rootCtx = ctx
		if err := s.scheduleTick(); err != nil {
			startErr = err
			return
		}
		s.cron.Start()
		s.logger.Info("scheduler started", zap.String("schedule", s.schedule), zap.Int("workers", s.workers))
		if s.runOnStartup {
			go s.tick()
		}
	})
	if startErr != nil {
		return startErr
	}

	<-ctx.Done()
	s.stopCron()
	return nil
}

func (s *Service) scheduleTick() error {
	schedule, err := s.parser.Parse(s.schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.schedule, err)
	}
	s.entryID = s.cron.Schedule(schedule, cron.FuncJob(s.tick))
	return nil
}

func (s *Service) stopCron() {
	s.stopOnce.Do(func() {
		ctx := s.cron.Stop()
		if ctx == nil {
			return
		}
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
			s.logger.Warn("scheduler: timed out waiting for mail cycles to finish")
		}
	})
}

// tick runs one poll; a tick that fires while the previous run is still
// going is skipped.
func (s *Service) tick() {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("scheduler: previous poll still running, skipping tick")
		return
	}
	defer s.running.Store(false)

	ctx := s.rootCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.RunOnce(ctx, false); err != nil {
		s.logger.Warn("scheduler: poll finished with errors", zap.Error(err))
	}
}

// SetQueueSource replaces the queue list, e.g. after a configuration reload.
func (s *Service) SetQueueSource(src QueueSource) {
	if src == nil {
		return
	}
	s.mu.Lock()
	s.queues = src
	s.mu.Unlock()
}

// LastRun returns the summary of the most recent run.
func (s *Service) LastRun() RunSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

// NextRun reports when the cron tick fires next; zero before Run.
func (s *Service) NextRun() time.Time {
	if s.entryID == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// RunOnce polls every due queue, or every queue when force is set. Errors of
// individual queues are joined; one failing queue never stops the others.
func (s *Service) RunOnce(ctx context.Context, force bool) error {
	summary := RunSummary{StartedAt: s.now()}
	defer func() {
		summary.FinishedAt = s.now()
		s.mu.Lock()
		s.lastRun = summary
		s.mu.Unlock()
	}()

	s.mu.RLock()
	src := s.queues
	s.mu.RUnlock()
	queues, err := src.Queues(ctx)
	if err != nil {
		summary.Err = fmt.Errorf("list queues: %w", err)
		return summary.Err
	}

	due := queues
	var errs []error
	if !force {
		due, errs = s.dueQueues(ctx, queues, summary.StartedAt)
	}
	summary.Due = len(due)
	if len(due) == 0 {
		s.logger.Debug("scheduler: no queue due", zap.Int("queues", len(queues)))
		summary.Err = errors.Join(errs...)
		return summary.Err
	}

	if s.recorder != nil {
		defer s.recorder.PollStarted(len(due))()
	}
	s.logger.Info("scheduler: mail poll dispatching",
		zap.Int("due", len(due)),
		zap.Int("queues", len(queues)),
		zap.Int("workers", s.workers),
	)

	var (
		g      errgroup.Group
		errMu  sync.Mutex
		polled atomic.Int32
		locked atomic.Int32
	)
	g.SetLimit(s.workers)
	for _, queue := range due {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			ran, err := s.pollQueue(ctx, queue)
			switch {
			case err != nil:
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			case ran:
				polled.Add(1)
			default:
				locked.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	summary.Polled = int(polled.Load())
	summary.Locked = int(locked.Load())
	if ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}
	summary.Err = errors.Join(errs...)
	return summary.Err
}

// DueQueues returns the queues whose poll interval elapsed at now.
func (s *Service) DueQueues(ctx context.Context, queues []models.Queue, now time.Time) ([]models.Queue, error) {
	due, errs := s.dueQueues(ctx, queues, now)
	return due, errors.Join(errs...)
}

func (s *Service) dueQueues(ctx context.Context, queues []models.Queue, now time.Time) ([]models.Queue, []error) {
	var (
		due  []models.Queue
		errs []error
	)
	for _, queue := range queues {
		last, ok, err := s.state.LastChecked(ctx, queue.Slug)
		if err != nil {
			errs = append(errs, fmt.Errorf("queue %s: last checked: %w", queue.Slug, err))
			continue
		}
		if !ok {
			last = now.Add(-s.lastCheckSpan)
		}
		if !last.Add(s.interval(queue)).After(now) {
			due = append(due, queue)
		}
	}
	return due, errs
}

func (s *Service) interval(queue models.Queue) time.Duration {
	if queue.Mailbox.PollInterval > 0 {
		return queue.Mailbox.PollInterval
	}
	return s.defaultInterval
}

// pollQueue runs one cycle under the queue lock. ran is false when another
// postmaster holds the lock.
func (s *Service) pollQueue(ctx context.Context, queue models.Queue) (ran bool, err error) {
	log := s.logger.With(zap.String("queue_slug", queue.Slug))
	if s.locker != nil {
		release, lerr := s.locker.Acquire(ctx, queue.Slug, s.lockTTL)
		if errors.Is(lerr, cache.ErrLockHeld) {
			log.Debug("scheduler: queue locked by another poller")
			return false, nil
		}
		if lerr != nil {
			return false, fmt.Errorf("queue %s: %w", queue.Slug, lerr)
		}
		defer func() {
			if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
				log.Warn("scheduler: failed to release queue lock", zap.Error(rerr))
			}
		}()
	}

	cycleCtx := ctx
	var cancel context.CancelFunc
	if s.cycleTimeout > 0 {
		cycleCtx, cancel = context.WithTimeout(ctx, s.cycleTimeout)
	}

	report := postmaster.CycleReport{QueueSlug: queue.Slug, StartedAt: s.now()}
	func() {
		defer func() {
			if cancel != nil {
				cancel()
			}
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				report.FinishedAt = s.now()
				report.AbortReason = err.Error()
			}
		}()
		report, err = s.poller.ProcessQueue(cycleCtx, queue)
	}()

	if err == nil {
		if merr := s.state.MarkChecked(ctx, queue.Slug, s.now()); merr != nil {
			log.Warn("scheduler: failed to record check time", zap.Error(merr))
		}
	}
	s.recordStatus(ctx, log, report, queue)
	if err != nil {
		return true, fmt.Errorf("queue %s: %w", queue.Slug, err)
	}
	return true, nil
}

func (s *Service) recordStatus(ctx context.Context, log *zap.Logger, report postmaster.CycleReport, queue models.Queue) {
	if s.status == nil {
		return
	}
	if report.QueueSlug == "" {
		report.QueueSlug = queue.Slug
	}
	st := cache.StatusFromReport(report, s.interval(queue))
	if err := s.status.PutStatus(context.WithoutCancel(ctx), st); err != nil {
		log.Warn("scheduler: failed to store poll status", zap.Error(err))
	}
}

func (s *Service) now() time.Time {
	if s.clock != nil {
		return s.clock().In(s.location)
	}
	return time.Now().In(s.location)
}
