// Package config loads the postmaster configuration with viper: a default.yaml
// shipped with the binary, an optional config.yaml override next to it and
// POSTMASTER_* environment variables on top.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-postmaster/internal/cache"
	"github.com/gotrs-io/gotrs-postmaster/internal/database"
	"github.com/gotrs-io/gotrs-postmaster/internal/email/inbound/connector"
	"github.com/gotrs-io/gotrs-postmaster/internal/email/inbound/filters"
	"github.com/gotrs-io/gotrs-postmaster/internal/logger"
	"github.com/gotrs-io/gotrs-postmaster/internal/models"
	"github.com/gotrs-io/gotrs-postmaster/internal/storage"
)

// EnvPrefix is prepended to every environment override, e.g.
// POSTMASTER_DATABASE_DSN.
const EnvPrefix = "POSTMASTER"

// Poll defaults.
const (
	DefaultPollInterval  = 5 * time.Minute
	DefaultLastCheckSpan = 30 * time.Minute
	DefaultCycleTimeout  = 10 * time.Minute
	DefaultSchedule      = "@every 1m"
)

// Config represents the postmaster configuration.
type Config struct {
	App         AppConfig          `mapstructure:"app" yaml:"app"`
	Database    database.Config    `mapstructure:"database" yaml:"database"`
	Redis       cache.RedisConfig  `mapstructure:"redis" yaml:"redis"`
	AMQP        AMQPConfig         `mapstructure:"amqp" yaml:"amqp"`
	Logging     logger.Config      `mapstructure:"logging" yaml:"logging"`
	Metrics     MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
	HTTP        HTTPConfig         `mapstructure:"http" yaml:"http"`
	Mail        MailConfig         `mapstructure:"mail" yaml:"mail"`
	Storage     storage.Config     `mapstructure:"storage" yaml:"storage"`
	Notifier    NotifierConfig     `mapstructure:"notifier" yaml:"notifier"`
	Queues      []QueueConfig      `mapstructure:"queues" yaml:"queues"`
	IgnoreRules []IgnoreRuleConfig `mapstructure:"ignore_rules" yaml:"ignore_rules"`
}

type AppConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	Env  string `mapstructure:"env" yaml:"env"`
}

type AMQPConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	Exchange string `mapstructure:"exchange" yaml:"exchange"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// MailConfig holds the engine and scheduler settings shared by all queues.
type MailConfig struct {
	Schedule     string        `mapstructure:"schedule" yaml:"schedule"`
	Workers      int           `mapstructure:"workers" yaml:"workers"`
	CycleTimeout time.Duration `mapstructure:"cycle_timeout" yaml:"cycle_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// LockTTL bounds how long a crashed poller blocks its queue.
	LockTTL time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`

	BodyLimit        int64 `mapstructure:"body_limit" yaml:"body_limit"`
	AttachmentLimit  int64 `mapstructure:"attachment_limit" yaml:"attachment_limit"`
	SanitizeHTML     bool  `mapstructure:"sanitize_html" yaml:"sanitize_html"`
	SaveOriginal     bool  `mapstructure:"save_original" yaml:"save_original"`
	FullFirstMessage bool  `mapstructure:"full_first_message" yaml:"full_first_message"`

	// IgnoreRulesFile and DBIgnoreRules add rule sources to ignore_rules.
	IgnoreRulesFile string `mapstructure:"ignore_rules_file" yaml:"ignore_rules_file"`
	DBIgnoreRules   bool   `mapstructure:"db_ignore_rules" yaml:"db_ignore_rules"`

	// Defaults fills host and credentials left empty by a queue mailbox.
	Defaults MailboxConfig `mapstructure:"defaults" yaml:"defaults"`
}

// MailboxConfig is the YAML shape of connector.MailboxConfig.
type MailboxConfig struct {
	Type       string        `mapstructure:"type" yaml:"type"`
	Host       string        `mapstructure:"host" yaml:"host"`
	Port       int           `mapstructure:"port" yaml:"port"`
	Username   string        `mapstructure:"username" yaml:"username"`
	Password   string        `mapstructure:"password" yaml:"password"`
	SSL        bool          `mapstructure:"ssl" yaml:"ssl"`
	IMAPFolder string        `mapstructure:"imap_folder" yaml:"imap_folder"`
	LocalDir   string        `mapstructure:"local_dir" yaml:"local_dir"`
	ProxyType  string        `mapstructure:"proxy_type" yaml:"proxy_type"`
	ProxyHost  string        `mapstructure:"proxy_host" yaml:"proxy_host"`
	ProxyPort  int           `mapstructure:"proxy_port" yaml:"proxy_port"`
	Interval   time.Duration `mapstructure:"interval" yaml:"interval"`
}

// Connector converts to the connector representation.
func (m MailboxConfig) Connector() connector.MailboxConfig {
	return connector.MailboxConfig{
		Kind:         connector.Kind(strings.ToLower(strings.TrimSpace(m.Type))),
		Host:         m.Host,
		Port:         m.Port,
		Username:     m.Username,
		Password:     m.Password,
		UseSSL:       m.SSL,
		IMAPFolder:   m.IMAPFolder,
		LocalDir:     m.LocalDir,
		Proxy:        connector.ProxyConfig{Type: m.ProxyType, Host: m.ProxyHost, Port: m.ProxyPort},
		PollInterval: m.Interval,
	}
}

type NotifierConfig struct {
	// Backends lists the notifiers fanned out to: log, amqp, redis, outbox.
	Backends     []string `mapstructure:"backends" yaml:"backends"`
	RedisChannel string   `mapstructure:"redis_channel" yaml:"redis_channel"`
	RedisListKey string   `mapstructure:"redis_list_key" yaml:"redis_list_key"`
	// RelayInterval drives the outbox relay; zero disables it.
	RelayInterval time.Duration `mapstructure:"relay_interval" yaml:"relay_interval"`
}

// QueueConfig declares one helpdesk queue and its mailbox.
type QueueConfig struct {
	Slug                string        `mapstructure:"slug" yaml:"slug"`
	Title               string        `mapstructure:"title" yaml:"title"`
	EmailAddress        string        `mapstructure:"email_address" yaml:"email_address"`
	UpdateOnly          bool          `mapstructure:"update_only" yaml:"update_only"`
	NotifyOnEmailEvents bool          `mapstructure:"notify_on_email_events" yaml:"notify_on_email_events"`
	NewTicketCC         string        `mapstructure:"new_ticket_cc" yaml:"new_ticket_cc"`
	UpdatedTicketCC     string        `mapstructure:"updated_ticket_cc" yaml:"updated_ticket_cc"`
	LogLevel            string        `mapstructure:"log_level" yaml:"log_level"`
	Disabled            bool          `mapstructure:"disabled" yaml:"disabled"`
	Mailbox             MailboxConfig `mapstructure:"mailbox" yaml:"mailbox"`
}

// IgnoreRuleConfig scopes rules by queue slug; IDs are resolved once queues
// are synced with the ticket database.
type IgnoreRuleConfig struct {
	Name          string   `mapstructure:"name" yaml:"name"`
	Pattern       string   `mapstructure:"pattern" yaml:"pattern"`
	Queues        []string `mapstructure:"queues" yaml:"queues"`
	KeepInMailbox bool     `mapstructure:"keep_in_mailbox" yaml:"keep_in_mailbox"`
}

// Queue converts a queue declaration, filling its mailbox from mail.defaults.
func (q QueueConfig) Queue(mail MailConfig) models.Queue {
	mbox := q.Mailbox.Connector().WithFallback(mail.Defaults.Connector())
	if mbox.PollInterval <= 0 {
		mbox.PollInterval = mail.PollInterval
	}
	if mbox.PollInterval <= 0 {
		mbox.PollInterval = DefaultPollInterval
	}
	if mbox.Kind == connector.KindLocal && mbox.LocalDir == "" {
		mbox.LocalDir = mail.Defaults.LocalDir
	}
	return models.Queue{
		Slug:                q.Slug,
		Title:               q.Title,
		EmailAddress:        q.EmailAddress,
		UpdateOnly:          q.UpdateOnly,
		NotifyOnEmailEvents: q.NotifyOnEmailEvents,
		NewTicketCC:         q.NewTicketCC,
		UpdatedTicketCC:     q.UpdatedTicketCC,
		LogLevel:            q.LogLevel,
		Mailbox:             mbox,
	}
}

// ActiveQueues converts every enabled queue.
func (c *Config) ActiveQueues() []models.Queue {
	out := make([]models.Queue, 0, len(c.Queues))
	for _, q := range c.Queues {
		if q.Disabled {
			continue
		}
		out = append(out, q.Queue(c.Mail))
	}
	return out
}

// ResolveIgnoreRules maps the slug scopes of ignore_rules onto the IDs of
// queues. Rules scoped only to unknown slugs are dropped rather than
// widened to every queue.
func (c *Config) ResolveIgnoreRules(queues []models.Queue) []filters.IgnoreRule {
	ids := make(map[string]int, len(queues))
	for _, q := range queues {
		ids[strings.ToUpper(q.Slug)] = q.ID
	}
	out := make([]filters.IgnoreRule, 0, len(c.IgnoreRules))
	for _, r := range c.IgnoreRules {
		rule := filters.IgnoreRule{Name: r.Name, Pattern: r.Pattern, KeepInMailbox: r.KeepInMailbox}
		for _, slug := range r.Queues {
			if id, ok := ids[strings.ToUpper(strings.TrimSpace(slug))]; ok {
				rule.ScopeQueues = append(rule.ScopeQueues, id)
			}
		}
		if len(r.Queues) > 0 && len(rule.ScopeQueues) == 0 {
			continue
		}
		out = append(out, rule)
	}
	return out
}

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

var knownMailboxTypes = map[string]bool{
	"pop3": true, "pop3s": true, "imap": true, "imaps": true, "local": true, "maildir": true,
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	st := c.Storage
	if err := st.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	if c.Mail.Workers < 1 {
		errs = append(errs, errors.New("mail.workers must be at least 1"))
	}
	if c.Redis.Enabled && len(c.Redis.Addrs) == 0 {
		errs = append(errs, errors.New("redis.addrs is required when redis is enabled"))
	}
	for _, b := range c.Notifier.Backends {
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "log":
		case "amqp":
			if c.AMQP.URL == "" {
				errs = append(errs, errors.New("notifier amqp needs amqp.url"))
			}
		case "redis":
			if !c.Redis.Enabled {
				errs = append(errs, errors.New("notifier redis needs redis.enabled"))
			}
		case "outbox":
		default:
			errs = append(errs, fmt.Errorf("notifier: unknown backend %q", b))
		}
	}

	seen := make(map[string]bool, len(c.Queues))
	for i, q := range c.Queues {
		if !slugPattern.MatchString(q.Slug) {
			errs = append(errs, fmt.Errorf("queues[%d]: invalid slug %q", i, q.Slug))
			continue
		}
		key := strings.ToUpper(q.Slug)
		if seen[key] {
			errs = append(errs, fmt.Errorf("queues[%d]: duplicate slug %q", i, q.Slug))
		}
		seen[key] = true
		if q.Disabled {
			continue
		}
		typ := strings.ToLower(strings.TrimSpace(q.Mailbox.Type))
		if typ == "" {
			typ = strings.ToLower(strings.TrimSpace(c.Mail.Defaults.Type))
		}
		if !knownMailboxTypes[typ] {
			errs = append(errs, fmt.Errorf("queue %s: unknown mailbox type %q", q.Slug, typ))
		}
		if q.LogLevel != "" && q.LogLevel != "none" {
			if _, err := logger.ParseLevel(q.LogLevel); err != nil {
				errs = append(errs, fmt.Errorf("queue %s: %w", q.Slug, err))
			}
		}
	}
	for i, r := range c.IgnoreRules {
		switch pattern := strings.TrimSpace(r.Pattern); {
		case pattern == "":
			errs = append(errs, fmt.Errorf("ignore_rules[%d]: empty pattern", i))
		case !strings.Contains(pattern, "@"):
			errs = append(errs, fmt.Errorf("ignore_rules[%d]: pattern %q is not of the form user@domain", i, pattern))
		}
		for _, slug := range r.Queues {
			if !seen[strings.ToUpper(strings.TrimSpace(slug))] {
				errs = append(errs, fmt.Errorf("ignore_rules[%d]: unknown queue %q", i, slug))
			}
		}
	}
	return errors.Join(errs...)
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "******"
	}
	out.Database.Password = mask(c.Database.Password)
	if c.Database.DSN != "" {
		out.Database.DSN = mask(c.Database.DSN)
	}
	out.Redis.Password = mask(c.Redis.Password)
	if c.AMQP.URL != "" {
		out.AMQP.URL = mask(c.AMQP.URL)
	}
	out.Storage.S3.SecretAccessKey = mask(c.Storage.S3.SecretAccessKey)
	out.Mail.Defaults.Password = mask(c.Mail.Defaults.Password)
	out.Queues = make([]QueueConfig, len(c.Queues))
	for i, q := range c.Queues {
		q.Mailbox.Password = mask(q.Mailbox.Password)
		out.Queues[i] = q
	}
	return &out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "gotrs-postmaster")
	v.SetDefault("app.env", "production")
	v.SetDefault("database.driver", database.DriverSQLite)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.name", "postmaster.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addrs", []string{"localhost:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.key_prefix", cache.DefaultKeyPrefix)
	v.SetDefault("redis.status_ttl", cache.DefaultStatusTTL)
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "postmaster.events")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8089")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.shutdown_timeout", "15s")
	v.SetDefault("mail.schedule", DefaultSchedule)
	v.SetDefault("mail.workers", 2)
	v.SetDefault("mail.cycle_timeout", DefaultCycleTimeout)
	v.SetDefault("mail.poll_interval", DefaultPollInterval)
	v.SetDefault("mail.lock_ttl", DefaultCycleTimeout+time.Minute)
	v.SetDefault("mail.body_limit", 0)
	v.SetDefault("mail.attachment_limit", 0)
	v.SetDefault("mail.defaults.local_dir", connector.DefaultLocalDir)
	v.SetDefault("mail.defaults.password", "")
	v.SetDefault("storage.backend", storage.BackendDB)
	v.SetDefault("notifier.backends", []string{"log"})
	v.SetDefault("notifier.redis_channel", "postmaster:notifications")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// Loader holds the current configuration and swaps it on file changes.
type Loader struct {
	v      *viper.Viper
	read   func() (*viper.Viper, error)
	mu     sync.RWMutex
	cfg    *Config
	logger *zap.Logger
	once   sync.Once
}

// Load reads default.yaml from configPath and merges config.yaml when present.
func Load(configPath string) (*Loader, error) {
	return newLoader(func() (*viper.Viper, error) { return readDir(configPath) })
}

func readDir(configPath string) (*viper.Viper, error) {
	v := newViper()
	v.SetConfigName("default")
	v.AddConfigPath(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read default config: %w", err)
	}
	defaultFile := v.ConfigFileUsed()
	v.SetConfigName("config")
	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to merge config: %w", err)
		}
		v.SetConfigFile(defaultFile)
	}
	return v, nil
}

// LoadFromFile loads configuration from a single file on top of the defaults.
func LoadFromFile(configFile string) (*Loader, error) {
	return newLoader(func() (*viper.Viper, error) {
		v := newViper()
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		return v, nil
	})
}

// Defaults returns the configuration made of built-in defaults and the
// environment only.
func Defaults() (*Config, error) {
	return decode(newViper())
}

func newLoader(read func() (*viper.Viper, error)) (*Loader, error) {
	v, err := read()
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Loader{v: v, read: read, cfg: cfg, logger: zap.NewNop()}, nil
}

// SetLogger sets the logger used for reload messages.
func (l *Loader) SetLogger(logger *zap.Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Watch reloads when the watched file changes. onChange sees only
// configurations that unmarshal and validate; a broken edit keeps the
// previous one active.
func (l *Loader) Watch(onChange func(*Config)) {
	l.once.Do(func() {
		l.v.OnConfigChange(func(e fsnotify.Event) {
			l.logger.Info("config file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))
			if err := l.Reload(onChange); err != nil {
				l.logger.Error("config reload rejected", zap.Error(err))
			}
		})
		l.v.WatchConfig()
	})
}

// Reload rereads every file. The merged view is rebuilt from scratch so an
// override file never shadows default.yaml.
func (l *Loader) Reload(onChange func(*Config)) error {
	v, err := l.read()
	if err != nil {
		return err
	}
	next, err := decode(v)
	if err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.cfg = next
	l.mu.Unlock()
	l.logger.Info("configuration reloaded", zap.Int("queues", len(next.Queues)))
	if onChange != nil {
		onChange(next)
	}
	return nil
}
