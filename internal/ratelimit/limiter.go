package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/lexgate/lexgate/internal/kvstore"
	"github.com/lexgate/lexgate/internal/metrics"
)

const violationTTL = time.Hour

// Config carries the window limits applied to one identifier/endpoint pair.
type Config struct {
	PerMinute   int
	PerHour     int
	Burst       int
	BurstWindow time.Duration
}

// Info describes a limiter decision. Remaining and ResetAt always refer to the
// window that produced the decision; Violations counts denials accumulated by
// the identifier within the last hour.
type Info struct {
	Limit      int    `json:"limit"`
	Remaining  int    `json:"remaining"`
	ResetAt    int64  `json:"reset_at"`
	RetryAfter int    `json:"retry_after,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Violations int64  `json:"violations,omitempty"`
}

// Usage reports current counter state without mutating it.
type Usage struct {
	Identifier      string `json:"identifier"`
	Endpoint        string `json:"endpoint"`
	MinuteUsed      int    `json:"minute_used"`
	MinuteLimit     int    `json:"minute_limit"`
	MinuteRemaining int    `json:"minute_remaining"`
	HourUsed        int    `json:"hour_used"`
	HourLimit       int    `json:"hour_limit"`
	HourRemaining   int    `json:"hour_remaining"`
}

// Limiter enforces minute and hour window counters plus a sliding-window burst
// detector against the shared store. Every check is a store round trip; the
// limiter holds no counter state in process so horizontally scaled instances
// agree. Store failure always fails open.
type Limiter struct {
	store     *kvstore.Store
	base      Config
	overrides atomic.Pointer[map[string]Config]
	logger    *slog.Logger
	metrics   *metrics.Recorder
}

// New validates the base limits and constructs the limiter.
func New(store *kvstore.Store, base Config, logger *slog.Logger, rec *metrics.Recorder) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("ratelimit: store required")
	}
	if base.PerMinute <= 0 || base.PerHour <= 0 || base.Burst <= 0 {
		return nil, fmt.Errorf("ratelimit: limits must be positive")
	}
	if base.BurstWindow <= 0 {
		base.BurstWindow = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		store:   store,
		base:    base,
		logger:  logger.With(slog.String("component", "ratelimit")),
		metrics: rec,
	}, nil
}

// ApplyOverrides swaps the per-endpoint limit overrides. Entries with
// non-positive values inherit the base limit for that window.
func (l *Limiter) ApplyOverrides(overrides map[string]Config) {
	copied := make(map[string]Config, len(overrides))
	for endpoint, cfg := range overrides {
		copied[endpoint] = cfg
	}
	l.overrides.Store(&copied)
}

func (l *Limiter) limitsFor(endpoint string) Config {
	effective := l.base
	if m := l.overrides.Load(); m != nil {
		if ov, ok := (*m)[endpoint]; ok {
			if ov.PerMinute > 0 {
				effective.PerMinute = ov.PerMinute
			}
			if ov.PerHour > 0 {
				effective.PerHour = ov.PerHour
			}
			if ov.Burst > 0 {
				effective.Burst = ov.Burst
			}
		}
	}
	return effective
}

// IsAllowed checks the minute counter, then the hour counter, then the burst
// window, short-circuiting on the first denial so a minute violation is
// reported even when the hour limit would also fail.
func (l *Limiter) IsAllowed(ctx context.Context, identifier, endpoint string) (bool, Info) {
	if !l.store.Connected() {
		// Fail open: limiter correctness is secondary to availability.
		return true, Info{Remaining: 999, ResetAt: time.Now().Add(time.Minute).Unix()}
	}

	limits := l.limitsFor(endpoint)

	minuteKey := counterKey(identifier, endpoint, "minute")
	allowed, minuteInfo := l.checkWindow(ctx, minuteKey, limits.PerMinute, time.Minute)
	if !allowed {
		l.metrics.ObserveLimiterDenial("minute")
		return false, l.noteViolation(ctx, identifier, endpoint, minuteInfo)
	}

	hourKey := counterKey(identifier, endpoint, "hour")
	allowed, hourInfo := l.checkWindow(ctx, hourKey, limits.PerHour, time.Hour)
	if !allowed {
		l.metrics.ObserveLimiterDenial("hour")
		return false, l.noteViolation(ctx, identifier, endpoint, hourInfo)
	}

	if !l.checkBurst(ctx, identifier, endpoint, limits) {
		l.metrics.ObserveLimiterDenial("burst")
		info := Info{
			Limit:      limits.Burst,
			Remaining:  0,
			ResetAt:    time.Now().Add(limits.BurstWindow).Unix(),
			RetryAfter: int(limits.BurstWindow / time.Second),
			Reason:     "burst_limit_exceeded",
		}
		return false, l.noteViolation(ctx, identifier, endpoint, info)
	}

	combined := minuteInfo
	if hourInfo.Remaining < combined.Remaining {
		combined.Remaining = hourInfo.Remaining
	}
	return true, combined
}

// checkWindow runs one atomic increment against the window counter. The TTL
// is set only when the increment created the key, which narrows the classic
// check-then-act race to a single round trip.
func (l *Limiter) checkWindow(ctx context.Context, key string, limit int, window time.Duration) (bool, Info) {
	now := time.Now()

	count, ok := l.store.Incr(ctx, key)
	if !ok {
		return true, Info{Limit: limit, Remaining: limit, ResetAt: now.Add(window).Unix()}
	}

	if count == 1 {
		l.store.Expire(ctx, key, window)
		return true, Info{Limit: limit, Remaining: limit - 1, ResetAt: now.Add(window).Unix()}
	}

	ttl, ok := l.store.TTL(ctx, key)
	if !ok || ttl < 0 {
		// Counter lost its expiry (or the read failed); reinstate the window
		// so the key cannot linger forever.
		l.store.Expire(ctx, key, window)
		ttl = window
	}
	resetAt := now.Add(ttl).Unix()

	if count > int64(limit) {
		return false, Info{
			Limit:      limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: int(ttl / time.Second),
			Reason:     "rate_limit_exceeded",
		}
	}
	return true, Info{Limit: limit, Remaining: limit - int(count), ResetAt: resetAt}
}

// checkBurst tracks request timestamps in a sorted set, prunes entries older
// than the burst window, and compares the remaining cardinality to the limit.
func (l *Limiter) checkBurst(ctx context.Context, identifier, endpoint string, limits Config) bool {
	key := counterKey(identifier, endpoint, "burst")
	now := time.Now()
	score := float64(now.UnixNano()) / float64(time.Second)

	if !l.store.ZAdd(ctx, key, score, strconv.FormatInt(now.UnixNano(), 10)) {
		return true
	}
	l.store.ZRemRangeByScore(ctx, key, 0, score-limits.BurstWindow.Seconds())

	count, ok := l.store.ZCard(ctx, key)
	if !ok {
		return true
	}

	// Safety net against unbounded growth if the identifier goes quiet.
	l.store.Expire(ctx, key, time.Minute)

	return count <= int64(limits.Burst)
}

func (l *Limiter) noteViolation(ctx context.Context, identifier, endpoint string, info Info) Info {
	key := counterKey(identifier, endpoint, "violations")
	count, ok := l.store.Incr(ctx, key)
	if !ok {
		return info
	}
	if count == 1 {
		l.store.Expire(ctx, key, violationTTL)
	}
	info.Violations = count
	l.logger.Warn("rate limit exceeded",
		slog.String("identifier", identifier),
		slog.String("endpoint", endpoint),
		slog.String("reason", info.Reason),
		slog.Int64("violations", count))
	return info
}

// Reset clears every counter for the identifier/endpoint pair. Pass "*" as
// the endpoint to clear all endpoints.
func (l *Limiter) Reset(ctx context.Context, identifier, endpoint string) bool {
	pattern := fmt.Sprintf("rate_limit:%s:%s:*", identifier, endpoint)
	return l.store.ClearPattern(ctx, pattern) > 0
}

// LimitInfo reports current usage without consuming quota.
func (l *Limiter) LimitInfo(ctx context.Context, identifier, endpoint string) Usage {
	limits := l.limitsFor(endpoint)
	usage := Usage{
		Identifier:  identifier,
		Endpoint:    endpoint,
		MinuteLimit: limits.PerMinute,
		HourLimit:   limits.PerHour,
	}
	usage.MinuteUsed = l.counterValue(ctx, counterKey(identifier, endpoint, "minute"))
	usage.HourUsed = l.counterValue(ctx, counterKey(identifier, endpoint, "hour"))
	usage.MinuteRemaining = max(0, limits.PerMinute-usage.MinuteUsed)
	usage.HourRemaining = max(0, limits.PerHour-usage.HourUsed)
	return usage
}

func (l *Limiter) counterValue(ctx context.Context, key string) int {
	raw, ok := l.store.Get(ctx, key)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func counterKey(identifier, endpoint, kind string) string {
	return fmt.Sprintf("rate_limit:%s:%s:%s", identifier, endpoint, kind)
}
