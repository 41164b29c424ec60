package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-postmaster/internal/cache"
	"github.com/gotrs-io/gotrs-postmaster/internal/config"
	"github.com/gotrs-io/gotrs-postmaster/internal/database"
	"github.com/gotrs-io/gotrs-postmaster/internal/email/inbound/connector"
	"github.com/gotrs-io/gotrs-postmaster/internal/email/inbound/decoder"
	"github.com/gotrs-io/gotrs-postmaster/internal/email/inbound/filters"
	"github.com/gotrs-io/gotrs-postmaster/internal/email/inbound/postmaster"
	"github.com/gotrs-io/gotrs-postmaster/internal/metrics"
	"github.com/gotrs-io/gotrs-postmaster/internal/models"
	"github.com/gotrs-io/gotrs-postmaster/internal/notifications"
	"github.com/gotrs-io/gotrs-postmaster/internal/repository"
	"github.com/gotrs-io/gotrs-postmaster/internal/services/scheduler"
	"github.com/gotrs-io/gotrs-postmaster/internal/storage"
)

// app holds the wired collaborators shared by the serve and poll commands.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	db        *sqlx.DB
	store     *repository.SQLStore
	registry  *prometheus.Registry
	metrics   *metrics.Collector
	redis     redis.UniversalClient
	status    cache.StatusStore
	locker    cache.Locker
	notifier  notifications.Notifier
	outbox    *notifications.OutboxNotifier
	relay     notifications.Multi
	rules     *filters.SwitchRuleSource
	engine    *postmaster.Engine
	scheduler *scheduler.Service

	mu      sync.RWMutex
	queues  []models.Queue
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, migrate bool) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.db, err = database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.db.Close)
	if migrate {
		version, merr := database.Migrate(ctx, a.db)
		if merr != nil {
			return nil, merr
		}
		logger.Info("database schema ready", zap.Int("version", version))
	}

	blobs, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("attachment storage: %w", err)
	}
	a.store = repository.NewSQLStore(a.db, repository.WithBlobStorage(blobs), repository.WithSQLLogger(logger))

	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)

	if cfg.Redis.Enabled {
		a.redis, err = cache.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.redis.Close)
		opts := append(cache.OptionsFromConfig(cfg.Redis), cache.WithRegisterer(a.registry))
		rc := cache.NewRedisCache(a.redis, opts...)
		a.status, a.locker = rc, rc
	} else {
		lc := cache.NewLocalCache(cfg.Redis.StatusTTL)
		a.status, a.locker = lc, lc
	}

	if err := a.buildNotifier(); err != nil {
		return nil, err
	}

	queues, err := a.syncQueues(ctx, cfg)
	if err != nil {
		return nil, err
	}
	src, err := a.ruleSource(cfg, queues)
	if err != nil {
		return nil, err
	}
	a.rules = filters.NewSwitchRuleSource(src)

	dec := decoder.New(
		decoder.WithLogger(logger),
		decoder.WithBodyLimit(cfg.Mail.BodyLimit),
		decoder.WithAttachmentLimit(cfg.Mail.AttachmentLimit),
		decoder.WithHTMLSanitizer(cfg.Mail.SanitizeHTML),
		decoder.WithOriginalMessage(cfg.Mail.SaveOriginal),
	)
	a.engine = postmaster.NewEngine(connector.DefaultFactory(logger), a.store,
		postmaster.WithEngineLogger(logger),
		postmaster.WithDecoder(dec),
		postmaster.WithRuleSource(a.rules),
		postmaster.WithNotifier(a.notifier),
		postmaster.WithObserver(a.metrics),
		postmaster.WithFullFirstMessageDescription(cfg.Mail.FullFirstMessage),
	)

	a.scheduler = scheduler.NewService(a.engine,
		scheduler.WithLogger(logger),
		scheduler.WithSchedule(cfg.Mail.Schedule),
		scheduler.WithQueues(scheduler.QueueSourceFunc(a.currentQueues)),
		scheduler.WithQueueState(repository.NewSQLQueueState(a.db)),
		scheduler.WithStatusStore(a.status),
		scheduler.WithLocker(a.locker),
		scheduler.WithRunRecorder(a.metrics),
		scheduler.WithWorkers(cfg.Mail.Workers),
		scheduler.WithCycleTimeout(cfg.Mail.CycleTimeout),
		scheduler.WithLockTTL(cfg.Mail.LockTTL),
		scheduler.WithDefaultInterval(cfg.Mail.PollInterval),
		scheduler.WithLastCheckSpan(config.DefaultLastCheckSpan),
		scheduler.WithRunOnStartup(true),
	)
	return a, nil
}

// buildNotifier fans out to the configured backends. With "outbox" listed,
// the broker backends are fed by the relay instead of the engine.
func (a *app) buildNotifier() error {
	var direct, brokers notifications.Multi
	useOutbox := false
	for _, name := range a.cfg.Notifier.Backends {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "log":
			direct = append(direct, notifications.NewLogNotifier(a.logger))
		case "amqp":
			n, err := notifications.NewAMQPNotifier(a.cfg.AMQP.URL, a.cfg.AMQP.Exchange)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, n.Close)
			brokers = append(brokers, n)
		case "redis":
			if a.redis == nil {
				return errors.New("notifier redis needs redis.enabled")
			}
			channel := a.cfg.Notifier.RedisChannel
			if channel == "" {
				channel = notifications.DefaultRedisChannel
			}
			brokers = append(brokers, notifications.NewRedisNotifier(a.redis, channel, a.cfg.Notifier.RedisListKey))
		case "outbox":
			useOutbox = true
		default:
			return fmt.Errorf("notifier: unknown backend %q", name)
		}
	}
	if useOutbox {
		a.outbox = notifications.NewOutboxNotifier(a.db)
		direct = append(direct, a.outbox)
		a.relay = brokers
	} else {
		direct = append(direct, brokers...)
	}
	if len(direct) == 0 {
		a.notifier = notifications.Nop
		return nil
	}
	a.notifier = direct
	return nil
}

// syncQueues registers the configured queues with the ticket database, which
// assigns their IDs.
func (a *app) syncQueues(ctx context.Context, cfg *config.Config) ([]models.Queue, error) {
	queues := cfg.ActiveQueues()
	for i := range queues {
		if err := a.store.SyncQueue(ctx, &queues[i]); err != nil {
			return nil, fmt.Errorf("sync queue %s: %w", queues[i].Slug, err)
		}
	}
	a.mu.Lock()
	a.queues = queues
	a.mu.Unlock()
	return queues, nil
}

func (a *app) ruleSource(cfg *config.Config, queues []models.Queue) (filters.RuleSource, error) {
	chain := filters.ChainRuleSource{filters.StaticRuleSource(cfg.ResolveIgnoreRules(queues))}
	if cfg.Mail.IgnoreRulesFile != "" {
		file, err := filters.NewFileRuleSource(cfg.Mail.IgnoreRulesFile)
		if err != nil {
			return nil, fmt.Errorf("ignore rules file: %w", err)
		}
		chain = append(chain, file)
	}
	if cfg.Mail.DBIgnoreRules {
		chain = append(chain, filters.NewSQLRuleSource(a.db))
	}
	return chain, nil
}

func (a *app) currentQueues(context.Context) ([]models.Queue, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]models.Queue(nil), a.queues...), nil
}

// reload applies a changed configuration: queues and ignore rules switch in
// place, everything else needs a restart.
func (a *app) reload(ctx context.Context, cfg *config.Config) {
	queues, err := a.syncQueues(ctx, cfg)
	if err != nil {
		a.logger.Error("config reload: queue sync failed", zap.Error(err))
		return
	}
	src, err := a.ruleSource(cfg, queues)
	if err != nil {
		a.logger.Error("config reload: ignore rules rejected", zap.Error(err))
		return
	}
	a.rules.Set(src)
	a.logger.Info("config reload applied", zap.Int("queues", len(queues)))
}

// Close releases every connection in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
