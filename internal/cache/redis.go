package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key this package writes.
const DefaultKeyPrefix = "postmaster:"

// RedisConfig describes the shared redis (or valkey) deployment. More than one
// address selects a cluster client.
type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Addrs       []string      `mapstructure:"addrs" yaml:"addrs"`
	Password    string        `mapstructure:"password" yaml:"password"`
	DB          int           `mapstructure:"db" yaml:"db"`
	KeyPrefix   string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	StatusTTL   time.Duration `mapstructure:"status_ttl" yaml:"status_ttl"`
	Compression bool          `mapstructure:"compression" yaml:"compression"`
	PoolSize    int           `mapstructure:"pool_size" yaml:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

// NewClient dials redis and checks the connection with a PING.
func NewClient(ctx context.Context, cfg RedisConfig) (redis.UniversalClient, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("redis: no address configured")
	}
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       cfg.Addrs,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: dial,
	})
	pingCtx, cancel := context.WithTimeout(ctx, dial)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis %v: %w", cfg.Addrs, err)
	}
	return client, nil
}

// releaseScript deletes the lock only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCache implements StatusStore and Locker on redis.
type RedisCache struct {
	client      redis.UniversalClient
	keyPrefix   string
	statusTTL   time.Duration
	compression bool
	metrics     *cacheMetrics
}

// RedisOption customizes a RedisCache.
type RedisOption func(*RedisCache)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(rc *RedisCache) {
		if prefix != "" {
			rc.keyPrefix = prefix
		}
	}
}

// WithStatusTTL overrides DefaultStatusTTL.
func WithStatusTTL(ttl time.Duration) RedisOption {
	return func(rc *RedisCache) {
		if ttl > 0 {
			rc.statusTTL = ttl
		}
	}
}

// WithCompression gzips stored statuses larger than a kilobyte.
func WithCompression(enabled bool) RedisOption {
	return func(rc *RedisCache) { rc.compression = enabled }
}

// WithRegisterer exports hit, miss and error counters.
func WithRegisterer(reg prometheus.Registerer) RedisOption {
	return func(rc *RedisCache) {
		if reg != nil {
			rc.metrics = newCacheMetrics(reg)
		}
	}
}

// NewRedisCache wraps an established client.
func NewRedisCache(client redis.UniversalClient, opts ...RedisOption) *RedisCache {
	rc := &RedisCache{
		client:    client,
		keyPrefix: DefaultKeyPrefix,
		statusTTL: DefaultStatusTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(rc)
		}
	}
	return rc
}

// OptionsFromConfig maps the config section onto RedisOptions.
func OptionsFromConfig(cfg RedisConfig) []RedisOption {
	return []RedisOption{
		WithKeyPrefix(cfg.KeyPrefix),
		WithStatusTTL(cfg.StatusTTL),
		WithCompression(cfg.Compression),
	}
}

func (rc *RedisCache) statusKey(slug string) string { return rc.keyPrefix + "status:" + slug }
func (rc *RedisCache) indexKey() string             { return rc.keyPrefix + "status:index" }
func (rc *RedisCache) lockKey(slug string) string   { return rc.keyPrefix + "lock:" + slug }

// PutStatus implements StatusStore.
func (rc *RedisCache) PutStatus(ctx context.Context, st Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if rc.compression && len(data) >= compressThreshold {
		data = compress(data)
	}
	_, err = rc.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, rc.statusKey(st.QueueSlug), data, rc.statusTTL)
		pipe.SAdd(ctx, rc.indexKey(), st.QueueSlug)
		return nil
	})
	if err != nil {
		rc.metrics.observe("put", err)
		return fmt.Errorf("store status %s: %w", st.QueueSlug, err)
	}
	rc.metrics.observe("put", nil)
	return nil
}

// GetStatus implements StatusStore.
func (rc *RedisCache) GetStatus(ctx context.Context, queueSlug string) (Status, bool, error) {
	data, err := rc.client.Get(ctx, rc.statusKey(queueSlug)).Bytes()
	if errors.Is(err, redis.Nil) {
		rc.metrics.miss()
		return Status{}, false, nil
	}
	if err != nil {
		rc.metrics.observe("get", err)
		return Status{}, false, fmt.Errorf("load status %s: %w", queueSlug, err)
	}
	rc.metrics.hit()
	var st Status
	if err := json.Unmarshal(decompress(data), &st); err != nil {
		return Status{}, false, fmt.Errorf("decode status %s: %w", queueSlug, err)
	}
	return st, true, nil
}

// ListStatus implements StatusStore. Index entries whose status expired are
// pruned on the way.
func (rc *RedisCache) ListStatus(ctx context.Context) ([]Status, error) {
	slugs, err := rc.client.SMembers(ctx, rc.indexKey()).Result()
	if err != nil {
		rc.metrics.observe("list", err)
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	sort.Strings(slugs)
	out := make([]Status, 0, len(slugs))
	var expired []interface{}
	for _, slug := range slugs {
		st, ok, err := rc.GetStatus(ctx, slug)
		if err != nil {
			return nil, err
		}
		if !ok {
			expired = append(expired, slug)
			continue
		}
		out = append(out, st)
	}
	if len(expired) > 0 {
		rc.client.SRem(ctx, rc.indexKey(), expired...)
	}
	return out, nil
}

// Acquire implements Locker with SET NX and a per holder token.
func (rc *RedisCache) Acquire(ctx context.Context, queueSlug string, ttl time.Duration) (func(context.Context) error, error) {
	key := rc.lockKey(queueSlug)
	token := uuid.NewString()
	ok, err := rc.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		rc.metrics.observe("lock", err)
		return nil, fmt.Errorf("acquire lock %s: %w", queueSlug, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, rc.client, []string{key}, token).Err()
	}, nil
}

type cacheMetrics struct {
	hits   prometheus.Counter
	misses prometheus.Counter
	errors *prometheus.CounterVec
}

func newCacheMetrics(reg prometheus.Registerer) *cacheMetrics {
	m := &cacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postmaster_status_cache_hits_total",
			Help: "Status lookups answered from redis.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postmaster_status_cache_misses_total",
			Help: "Status lookups with no recorded cycle.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postmaster_status_cache_errors_total",
			Help: "Failed redis operations, by operation.",
		}, []string{"op"}),
	}
	reg.MustRegister(m.hits, m.misses, m.errors)
	return m
}

func (m *cacheMetrics) hit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *cacheMetrics) miss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *cacheMetrics) observe(op string, err error) {
	if m != nil && err != nil {
		m.errors.WithLabelValues(op).Inc()
	}
}
