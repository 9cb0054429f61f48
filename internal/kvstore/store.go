package kvstore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const (
	hitsKey   = "cache_stats:hits"
	missesKey = "cache_stats:misses"

	// entryPattern drives the entry count reported by Stats.
	entryPattern = "query_cache:*"
)

// TLSConfig controls optional TLS towards the shared store.
type TLSConfig struct {
	Enabled bool
	CAFile  string
}

// Config carries the connection settings for the shared key-value store.
type Config struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      TLSConfig
	// OpTimeout bounds every store round trip so an outage degrades to
	// fail-open defaults instead of hanging request processing.
	OpTimeout time.Duration
}

// Stats summarizes adapter-level observability counters.
type Stats struct {
	Status       string  `json:"status"`
	Hits         int64   `json:"total_hits"`
	Misses       int64   `json:"total_misses"`
	HitRate      float64 `json:"hit_rate"`
	EntryCount   int     `json:"cache_size"`
	MemoryUsedMB float64 `json:"memory_usage_mb"`
}

// Store adapts the shared TTL-capable key-value service. When the initial
// connection fails the store stays in a disconnected mode for its lifetime and
// every operation returns its safe default; callers degrade rather than error.
type Store struct {
	client    valkey.Client
	logger    *slog.Logger
	opTimeout time.Duration
}

// New dials the store and returns the adapter. Connection failure is not an
// error: the returned adapter is permanently disconnected and the degradation
// is logged once, here.
func New(cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "kvstore"))

	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	s := &Store{logger: logger, opTimeout: opTimeout}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}
	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				logger.Warn("store ca file unreadable, running disconnected", slog.Any("error", err))
				return s
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				logger.Warn("store ca file contains no certificates, running disconnected")
				return s
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		logger.Warn("store connection failed, running without cache or rate limiting", slog.Any("error", err))
		return s
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		logger.Warn("store ping failed, running without cache or rate limiting", slog.Any("error", err))
		return s
	}

	s.client = client
	logger.Info("store connected", slog.String("address", cfg.Address))
	return s
}

// Connected reports whether the adapter holds a live client.
func (s *Store) Connected() bool { return s.client != nil }

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// Get fetches a key and records the outcome in the global hit/miss counters.
func (s *Store) Get(ctx context.Context, key string) (string, bool) {
	if s.client == nil {
		return "", false
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	resp := s.client.Do(ctx, s.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			s.countMiss(ctx)
			return "", false
		}
		s.logger.Warn("store get failed", slog.String("key", key), slog.Any("error", err))
		return "", false
	}
	value, err := resp.ToString()
	if err != nil {
		s.logger.Warn("store get decode failed", slog.String("key", key), slog.Any("error", err))
		return "", false
	}
	s.countHit(ctx)
	return value, true
}

// Set writes a key with the provided TTL. A non-positive TTL stores the key
// without expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) bool {
	if s.client == nil {
		return false
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var cmd valkey.Completed
	if ttl > 0 {
		cmd = s.client.B().Set().Key(key).Value(value).Px(ttl).Build()
	} else {
		cmd = s.client.B().Set().Key(key).Value(value).Build()
	}
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		s.logger.Warn("store set failed", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return true
}

// Delete removes a key, reporting whether anything was removed.
func (s *Store) Delete(ctx context.Context, key string) bool {
	if s.client == nil {
		return false
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	removed, err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).AsInt64()
	if err != nil {
		s.logger.Warn("store delete failed", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return removed > 0
}

// Exists reports whether a key is present.
func (s *Store) Exists(ctx context.Context, key string) bool {
	if s.client == nil {
		return false
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	n, err := s.client.Do(ctx, s.client.B().Exists().Key(key).Build()).AsInt64()
	if err != nil {
		s.logger.Warn("store exists failed", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return n > 0
}

// Incr atomically increments a counter and returns the new value.
func (s *Store) Incr(ctx context.Context, key string) (int64, bool) {
	if s.client == nil {
		return 0, false
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	n, err := s.client.Do(ctx, s.client.B().Incr().Key(key).Build()).AsInt64()
	if err != nil {
		s.logger.Warn("store incr failed", slog.String("key", key), slog.Any("error", err))
		return 0, false
	}
	return n, true
}

// TTL returns the remaining lifetime of a key. The duration is negative when
// the key has no expiry (-1s) or does not exist (-2s), mirroring the store.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, bool) {
	if s.client == nil {
		return 0, false
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	secs, err := s.client.Do(ctx, s.client.B().Ttl().Key(key).Build()).AsInt64()
	if err != nil {
		s.logger.Warn("store ttl failed", slog.String("key", key), slog.Any("error", err))
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// Expire sets a key's TTL.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	if s.client == nil {
		return false
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	secs := int64(ttl / time.Second)
	if secs <= 0 {
		secs = 1
	}
	if err := s.client.Do(ctx, s.client.B().Expire().Key(key).Seconds(secs).Build()).Error(); err != nil {
		s.logger.Warn("store expire failed", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return true
}

// Keys lists keys matching a glob pattern. Acceptable here because callers
// bound the result set themselves; the admission layer's key families stay
// small relative to the store.
func (s *Store) Keys(ctx context.Context, pattern string) []string {
	if s.client == nil {
		return nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	keys, err := s.client.Do(ctx, s.client.B().Keys().Pattern(pattern).Build()).AsStrSlice()
	if err != nil {
		s.logger.Warn("store keys failed", slog.String("pattern", pattern), slog.Any("error", err))
		return nil
	}
	return keys
}

// ZAdd inserts a member into a sorted set.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) bool {
	if s.client == nil {
		return false
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	cmd := s.client.B().Zadd().Key(key).ScoreMember().ScoreMember(score, member).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		s.logger.Warn("store zadd failed", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return true
}

// ZRemRangeByScore prunes sorted-set members with scores inside [min, max].
func (s *Store) ZRemRangeByScore(ctx context.Context, key string, min, max float64) bool {
	if s.client == nil {
		return false
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	cmd := s.client.B().Zremrangebyscore().Key(key).
		Min(strconv.FormatFloat(min, 'f', -1, 64)).
		Max(strconv.FormatFloat(max, 'f', -1, 64)).
		Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		s.logger.Warn("store zremrangebyscore failed", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return true
}

// ZCard returns the cardinality of a sorted set.
func (s *Store) ZCard(ctx context.Context, key string) (int64, bool) {
	if s.client == nil {
		return 0, false
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	n, err := s.client.Do(ctx, s.client.B().Zcard().Key(key).Build()).AsInt64()
	if err != nil {
		s.logger.Warn("store zcard failed", slog.String("key", key), slog.Any("error", err))
		return 0, false
	}
	return n, true
}

// SAdd inserts a member into a set, reporting whether it was newly added.
func (s *Store) SAdd(ctx context.Context, key, member string) bool {
	if s.client == nil {
		return false
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	added, err := s.client.Do(ctx, s.client.B().Sadd().Key(key).Member(member).Build()).AsInt64()
	if err != nil {
		s.logger.Warn("store sadd failed", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return added > 0
}

// SRem removes a member from a set, reporting whether it was present.
func (s *Store) SRem(ctx context.Context, key, member string) bool {
	if s.client == nil {
		return false
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	removed, err := s.client.Do(ctx, s.client.B().Srem().Key(key).Member(member).Build()).AsInt64()
	if err != nil {
		s.logger.Warn("store srem failed", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return removed > 0
}

// SIsMember reports set membership.
func (s *Store) SIsMember(ctx context.Context, key, member string) bool {
	if s.client == nil {
		return false
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	ok, err := s.client.Do(ctx, s.client.B().Sismember().Key(key).Member(member).Build()).AsBool()
	if err != nil {
		s.logger.Warn("store sismember failed", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return ok
}

// SMembers lists the members of a set.
func (s *Store) SMembers(ctx context.Context, key string) []string {
	if s.client == nil {
		return nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	members, err := s.client.Do(ctx, s.client.B().Smembers().Key(key).Build()).AsStrSlice()
	if err != nil {
		s.logger.Warn("store smembers failed", slog.String("key", key), slog.Any("error", err))
		return nil
	}
	return members
}

// ClearPattern removes every key matching the glob pattern and returns the
// number of keys deleted.
func (s *Store) ClearPattern(ctx context.Context, pattern string) int64 {
	if s.client == nil {
		return 0
	}
	keys := s.Keys(ctx, pattern)
	if len(keys) == 0 {
		return 0
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()
	removed, err := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).AsInt64()
	if err != nil {
		s.logger.Warn("store clear pattern failed", slog.String("pattern", pattern), slog.Any("error", err))
		return 0
	}
	return removed
}

// Stats reports the adapter's observability counters.
func (s *Store) Stats(ctx context.Context) Stats {
	if s.client == nil {
		return Stats{Status: "disconnected"}
	}

	hits := s.counterValue(ctx, hitsKey)
	misses := s.counterValue(ctx, missesKey)
	total := hits + misses
	rate := 0.0
	if total > 0 {
		rate = float64(hits) / float64(total)
	}

	stats := Stats{
		Status:     "connected",
		Hits:       hits,
		Misses:     misses,
		HitRate:    rate,
		EntryCount: len(s.Keys(ctx, entryPattern)),
	}

	infoCtx, cancel := s.bound(ctx)
	defer cancel()
	if info, err := s.client.Do(infoCtx, s.client.B().Info().Section("memory").Build()).ToString(); err == nil {
		stats.MemoryUsedMB = parseUsedMemoryMB(info)
	}
	return stats
}

// HealthCheck pings the store.
func (s *Store) HealthCheck(ctx context.Context) bool {
	if s.client == nil {
		return false
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error() == nil
}

// Close releases the underlying client.
func (s *Store) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

func (s *Store) countHit(ctx context.Context) {
	// Best effort; stats must never interfere with the data path.
	_ = s.client.Do(ctx, s.client.B().Incr().Key(hitsKey).Build()).Error()
}

func (s *Store) countMiss(ctx context.Context) {
	_ = s.client.Do(ctx, s.client.B().Incr().Key(missesKey).Build()).Error()
}

func (s *Store) counterValue(ctx context.Context, key string) int64 {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	resp := s.client.Do(ctx, s.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		return 0
	}
	n, err := resp.AsInt64()
	if err != nil {
		return 0
	}
	return n
}

func parseUsedMemoryMB(info string) float64 {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(line, "used_memory:"); ok {
			bytes, err := strconv.ParseInt(after, 10, 64)
			if err != nil {
				return 0
			}
			return float64(bytes) / (1024 * 1024)
		}
	}
	return 0
}
