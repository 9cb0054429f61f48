package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/lexgate/lexgate/internal/kvstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLimiter(t *testing.T, base Config) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(server.Close)

	store := kvstore.New(kvstore.Config{Address: server.Addr()}, discardLogger())
	if !store.Connected() {
		t.Fatalf("expected store to connect")
	}
	t.Cleanup(store.Close)

	limiter, err := New(store, base, discardLogger(), nil)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return limiter, server
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, Config{PerMinute: 1, PerHour: 1, Burst: 1}, discardLogger(), nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()
	store := kvstore.New(kvstore.Config{Address: server.Addr()}, discardLogger())
	defer store.Close()

	if _, err := New(store, Config{PerMinute: 0, PerHour: 10, Burst: 5}, discardLogger(), nil); err == nil {
		t.Fatalf("expected error for non-positive minute limit")
	}
}

func TestIsAllowedWithinLimits(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{PerMinute: 5, PerHour: 100, Burst: 10})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, info := limiter.IsAllowed(ctx, "1.2.3.4", "POST:/query")
		if !allowed {
			t.Fatalf("request %d unexpectedly denied: %+v", i+1, info)
		}
		if info.Limit != 5 {
			t.Fatalf("request %d: expected limit 5, got %d", i+1, info.Limit)
		}
		if want := 5 - (i + 1); info.Remaining != want {
			t.Fatalf("request %d: expected remaining %d, got %d", i+1, want, info.Remaining)
		}
	}
}

func TestIsAllowedMinuteDenial(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{PerMinute: 2, PerHour: 100, Burst: 10})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if allowed, _ := limiter.IsAllowed(ctx, "1.2.3.4", "POST:/query"); !allowed {
			t.Fatalf("request %d unexpectedly denied", i+1)
		}
	}

	allowed, info := limiter.IsAllowed(ctx, "1.2.3.4", "POST:/query")
	if allowed {
		t.Fatalf("expected third request to be denied")
	}
	if info.Reason != "rate_limit_exceeded" {
		t.Fatalf("unexpected reason %q", info.Reason)
	}
	if info.Limit != 2 || info.Remaining != 0 {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %d", info.RetryAfter)
	}
	if info.Violations != 1 {
		t.Fatalf("expected first violation, got %d", info.Violations)
	}

	_, info = limiter.IsAllowed(ctx, "1.2.3.4", "POST:/query")
	if info.Violations != 2 {
		t.Fatalf("expected second violation, got %d", info.Violations)
	}

	// Another identifier keeps its own counters.
	if allowed, _ := limiter.IsAllowed(ctx, "5.6.7.8", "POST:/query"); !allowed {
		t.Fatalf("expected separate identifier to be allowed")
	}
}

func TestIsAllowedHourDenial(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{PerMinute: 100, PerHour: 2, Burst: 100})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if allowed, _ := limiter.IsAllowed(ctx, "1.2.3.4", "POST:/query"); !allowed {
			t.Fatalf("request %d unexpectedly denied", i+1)
		}
	}
	allowed, info := limiter.IsAllowed(ctx, "1.2.3.4", "POST:/query")
	if allowed {
		t.Fatalf("expected hour limit to deny")
	}
	if info.Limit != 2 || info.Reason != "rate_limit_exceeded" {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestIsAllowedBurstDenial(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{PerMinute: 100, PerHour: 1000, Burst: 2, BurstWindow: 10 * time.Second})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if allowed, _ := limiter.IsAllowed(ctx, "1.2.3.4", "POST:/query"); !allowed {
			t.Fatalf("request %d unexpectedly denied", i+1)
		}
	}
	allowed, info := limiter.IsAllowed(ctx, "1.2.3.4", "POST:/query")
	if allowed {
		t.Fatalf("expected burst limit to deny")
	}
	if info.Reason != "burst_limit_exceeded" {
		t.Fatalf("unexpected reason %q", info.Reason)
	}
	if info.Limit != 2 || info.RetryAfter != 10 {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestWindowReset(t *testing.T) {
	limiter, server := newTestLimiter(t, Config{PerMinute: 1, PerHour: 100, Burst: 10})
	ctx := context.Background()

	if allowed, _ := limiter.IsAllowed(ctx, "1.2.3.4", "POST:/query"); !allowed {
		t.Fatalf("first request unexpectedly denied")
	}
	if allowed, _ := limiter.IsAllowed(ctx, "1.2.3.4", "POST:/query"); allowed {
		t.Fatalf("second request unexpectedly allowed")
	}

	server.FastForward(61 * time.Second)

	allowed, info := limiter.IsAllowed(ctx, "1.2.3.4", "POST:/query")
	if !allowed {
		t.Fatalf("expected new window to allow: %+v", info)
	}
	if info.Remaining != 0 {
		t.Fatalf("expected remaining 0 on fresh minute window with limit 1, got %d", info.Remaining)
	}
}

func TestReset(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{PerMinute: 1, PerHour: 100, Burst: 10})
	ctx := context.Background()

	limiter.IsAllowed(ctx, "1.2.3.4", "POST:/query")
	if allowed, _ := limiter.IsAllowed(ctx, "1.2.3.4", "POST:/query"); allowed {
		t.Fatalf("expected denial before reset")
	}

	if !limiter.Reset(ctx, "1.2.3.4", "*") {
		t.Fatalf("expected reset to remove counters")
	}
	allowed, info := limiter.IsAllowed(ctx, "1.2.3.4", "POST:/query")
	if !allowed {
		t.Fatalf("expected fresh counters after reset: %+v", info)
	}
	if info.Violations != 0 {
		t.Fatalf("expected violations cleared, got %d", info.Violations)
	}
}

func TestLimitInfo(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{PerMinute: 5, PerHour: 100, Burst: 10})
	ctx := context.Background()

	limiter.IsAllowed(ctx, "1.2.3.4", "POST:/query")
	limiter.IsAllowed(ctx, "1.2.3.4", "POST:/query")

	usage := limiter.LimitInfo(ctx, "1.2.3.4", "POST:/query")
	if usage.MinuteUsed != 2 || usage.MinuteRemaining != 3 {
		t.Fatalf("unexpected minute usage: %+v", usage)
	}
	if usage.HourUsed != 2 || usage.HourRemaining != 98 {
		t.Fatalf("unexpected hour usage: %+v", usage)
	}

	empty := limiter.LimitInfo(ctx, "9.9.9.9", "POST:/query")
	if empty.MinuteUsed != 0 || empty.MinuteRemaining != 5 {
		t.Fatalf("unexpected usage for unseen identifier: %+v", empty)
	}
}

func TestApplyOverrides(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{PerMinute: 5, PerHour: 100, Burst: 10})
	ctx := context.Background()

	limiter.ApplyOverrides(map[string]Config{
		"POST:/query": {PerMinute: 1},
	})

	if allowed, info := limiter.IsAllowed(ctx, "1.2.3.4", "POST:/query"); !allowed || info.Limit != 1 {
		t.Fatalf("expected override limit 1, got allowed=%v info=%+v", allowed, info)
	}
	if allowed, _ := limiter.IsAllowed(ctx, "1.2.3.4", "POST:/query"); allowed {
		t.Fatalf("expected override to deny second request")
	}

	// Endpoints without an override keep the base limits.
	if allowed, info := limiter.IsAllowed(ctx, "1.2.3.4", "GET:/other"); !allowed || info.Limit != 5 {
		t.Fatalf("expected base limit 5, got allowed=%v info=%+v", allowed, info)
	}
}

func TestFailOpenWhenDisconnected(t *testing.T) {
	store := kvstore.New(kvstore.Config{Address: "127.0.0.1:1", OpTimeout: 250 * time.Millisecond}, discardLogger())
	limiter, err := New(store, Config{PerMinute: 1, PerHour: 1, Burst: 1}, discardLogger(), nil)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}

	for i := 0; i < 5; i++ {
		allowed, info := limiter.IsAllowed(context.Background(), "1.2.3.4", "POST:/query")
		if !allowed {
			t.Fatalf("expected fail-open to allow request %d", i+1)
		}
		if info.Remaining != 999 {
			t.Fatalf("expected sentinel remaining, got %d", info.Remaining)
		}
	}
}
