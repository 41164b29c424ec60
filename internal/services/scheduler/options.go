package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-postmaster/internal/cache"
	"github.com/gotrs-io/gotrs-postmaster/internal/repository"
)

const (
	defaultSchedule      = "@every 1m"
	defaultPollInterval  = 5 * time.Minute
	defaultLastCheckSpan = 30 * time.Minute
)

type options struct {
	Logger          *zap.Logger
	Cron            *cron.Cron
	Parser          cron.Parser
	Location        *time.Location
	Clock           func() time.Time
	Schedule        string
	Queues          QueueSource
	State           repository.QueueStateStore
	Status          cache.StatusStore
	Locker          cache.Locker
	Recorder        RunRecorder
	Workers         int
	CycleTimeout    time.Duration
	LockTTL         time.Duration
	DefaultInterval time.Duration
	LastCheckSpan   time.Duration
	RunOnStartup    bool
}

// Option applies configuration to the scheduler service.
type Option func(*options)

func defaultOptions() options {
	return options{
		Logger:          zap.NewNop(),
		Location:        time.UTC,
		Schedule:        defaultSchedule,
		Workers:         1,
		DefaultInterval: defaultPollInterval,
		LastCheckSpan:   defaultLastCheckSpan,
	}
}

// WithLogger injects a custom logger implementation.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithCron supplies a preconfigured cron scheduler instance.
func WithCron(c *cron.Cron) Option {
	return func(o *options) {
		o.Cron = c
	}
}

// WithCronParser allows replacing the cron expression parser.
func WithCronParser(p cron.Parser) Option {
	return func(o *options) {
		o.Parser = p
	}
}

// WithLocation sets the scheduler timezone location.
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		o.Location = loc
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.Clock = now
	}
}

// WithSchedule sets the cron expression of the poll tick.
func WithSchedule(expr string) Option {
	return func(o *options) {
		if expr != "" {
			o.Schedule = expr
		}
	}
}

// WithQueues sets the queue source.
func WithQueues(src QueueSource) Option {
	return func(o *options) {
		o.Queues = src
	}
}

// WithQueueState persists the last check time per queue.
func WithQueueState(state repository.QueueStateStore) Option {
	return func(o *options) {
		o.State = state
	}
}

// WithStatusStore records a status entry after every cycle.
func WithStatusStore(st cache.StatusStore) Option {
	return func(o *options) {
		o.Status = st
	}
}

// WithLocker serializes cycles of one queue across postmaster instances.
func WithLocker(l cache.Locker) Option {
	return func(o *options) {
		o.Locker = l
	}
}

// WithRunRecorder observes poll runs.
func WithRunRecorder(r RunRecorder) Option {
	return func(o *options) {
		o.Recorder = r
	}
}

// WithWorkers bounds concurrent mail cycles.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.Workers = n
	}
}

// WithCycleTimeout caps a single mail cycle.
func WithCycleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.CycleTimeout = d
	}
}

// WithLockTTL sets the queue lock expiry.
func WithLockTTL(d time.Duration) Option {
	return func(o *options) {
		o.LockTTL = d
	}
}

// WithDefaultInterval applies to queues without their own poll interval.
func WithDefaultInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.DefaultInterval = d
		}
	}
}

// WithLastCheckSpan sets how far back a never polled queue is assumed checked.
func WithLastCheckSpan(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.LastCheckSpan = d
		}
	}
}

// WithRunOnStartup polls once right after Run starts.
func WithRunOnStartup(enabled bool) Option {
	return func(o *options) {
		o.RunOnStartup = enabled
	}
}
