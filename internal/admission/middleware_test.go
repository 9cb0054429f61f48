package admission

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/lexgate/lexgate/internal/config"
	"github.com/lexgate/lexgate/internal/ipblock"
	"github.com/lexgate/lexgate/internal/kvstore"
	"github.com/lexgate/lexgate/internal/ratelimit"
	"github.com/lexgate/lexgate/internal/validate"
)

type fixture struct {
	middleware *Middleware
	blocker    *ipblock.Blocker
	handler    http.Handler
	server     *miniredis.Miniredis
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture builds a middleware over a live miniredis with the given limits
// and a trivial next handler that echoes its body.
func newFixture(t *testing.T, limits ratelimit.Config, mutate func(*Options)) *fixture {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(server.Close)

	logger := discardLogger()
	store := kvstore.New(kvstore.Config{Address: server.Addr()}, logger)
	if !store.Connected() {
		t.Fatalf("expected store to connect")
	}
	t.Cleanup(store.Close)

	limiter, err := ratelimit.New(store, limits, logger, nil)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	blocker := ipblock.New(store, logger)

	opts := Options{
		Limiter:       limiter,
		Blocker:       blocker,
		Validator:     validate.New(0),
		Logger:        logger,
		ExcludedPaths: []string{"/healthz", "/metrics"},
	}
	if mutate != nil {
		mutate(&opts)
	}

	middleware, err := New(opts)
	if err != nil {
		t.Fatalf("new middleware: %v", err)
	}

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		if len(body) > 0 {
			w.Write(body)
		} else {
			w.Write([]byte("ok"))
		}
	})
	return &fixture{
		middleware: middleware,
		blocker:    blocker,
		handler:    middleware.Wrap(next),
		server:     server,
	}
}

func doRequest(f *fixture, method, target, ip, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, target, reader)
	r.RemoteAddr = ip + ":52100"
	if body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"forwarded first hop", "9.9.9.9:1", map[string]string{"X-Forwarded-For": "1.2.3.4, 5.6.7.8"}, "1.2.3.4"},
		{"forwarded with spaces", "9.9.9.9:1", map[string]string{"X-Forwarded-For": "  1.2.3.4  "}, "1.2.3.4"},
		{"real ip", "9.9.9.9:1", map[string]string{"X-Real-IP": "4.3.2.1"}, "4.3.2.1"},
		{"forwarded beats real ip", "9.9.9.9:1", map[string]string{"X-Forwarded-For": "1.2.3.4", "X-Real-IP": "4.3.2.1"}, "1.2.3.4"},
		{"remote addr with port", "9.9.9.9:1234", nil, "9.9.9.9"},
		{"remote addr without port", "9.9.9.9", nil, "9.9.9.9"},
		{"nothing", "", nil, "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.remoteAddr
			for name, value := range tc.headers {
				r.Header.Set(name, value)
			}
			if got := clientIP(r); got != tc.want {
				t.Fatalf("clientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestExcludedPathBypassesChecks(t *testing.T) {
	f := newFixture(t, ratelimit.Config{PerMinute: 1, PerHour: 10, Burst: 10}, nil)
	f.blocker.Block(context.Background(), "1.2.3.4", "abuse", 0)

	// Well past the rate limit and from a blocked address, yet excluded
	// paths always pass.
	for i := 0; i < 5; i++ {
		w := doRequest(f, http.MethodGet, "/healthz", "1.2.3.4", "")
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}
}

func TestWhitelistedClientBypasses(t *testing.T) {
	f := newFixture(t, ratelimit.Config{PerMinute: 1, PerHour: 10, Burst: 10}, nil)
	ctx := context.Background()
	f.blocker.Block(ctx, "1.2.3.4", "abuse", 0)
	f.blocker.AddToWhitelist(ctx, "1.2.3.4")

	for i := 0; i < 3; i++ {
		w := doRequest(f, http.MethodGet, "/anything", "1.2.3.4", "")
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
		if got := w.Header().Get("X-Security-Bypass"); got != "whitelisted" {
			t.Fatalf("expected bypass header, got %q", got)
		}
	}
}

func TestBlockedClientRejected(t *testing.T) {
	f := newFixture(t, ratelimit.Config{PerMinute: 10, PerHour: 10, Burst: 10}, nil)
	f.blocker.Block(context.Background(), "1.2.3.4", "scraping", 1)

	w := doRequest(f, http.MethodGet, "/anything", "1.2.3.4", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "Access forbidden" || body["reason"] != "scraping" {
		t.Fatalf("unexpected body: %v", body)
	}
	if body["blocked_at"] == "" {
		t.Fatalf("expected blocked_at to be populated")
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected security headers on rejection")
	}

	// Other clients are unaffected.
	if w := doRequest(f, http.MethodGet, "/anything", "5.6.7.8", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for unblocked client, got %d", w.Code)
	}
}

func TestAllowedResponseAnnotations(t *testing.T) {
	f := newFixture(t, ratelimit.Config{PerMinute: 30, PerHour: 500, Burst: 10}, nil)

	w := doRequest(f, http.MethodGet, "/anything", "1.2.3.4", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != "30" {
		t.Fatalf("expected limit header 30, got %q", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "29" {
		t.Fatalf("expected remaining header 29, got %q", got)
	}
	if w.Header().Get("X-RateLimit-Reset") == "" {
		t.Fatalf("expected reset header")
	}
	if w.Header().Get("X-Process-Time") == "" {
		t.Fatalf("expected process time header")
	}
	if w.Header().Get("Strict-Transport-Security") == "" {
		t.Fatalf("expected security headers")
	}
}

func TestRateLimitRejection(t *testing.T) {
	f := newFixture(t, ratelimit.Config{PerMinute: 1, PerHour: 100, Burst: 10}, nil)

	if w := doRequest(f, http.MethodGet, "/anything", "1.2.3.4", ""); w.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", w.Code)
	}
	w := doRequest(f, http.MethodGet, "/anything", "1.2.3.4", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["reason"] != "rate_limit_exceeded" {
		t.Fatalf("unexpected body: %v", body)
	}
	if w.Header().Get("Retry-After") == "" || w.Header().Get("Retry-After") == "0" {
		t.Fatalf("expected positive Retry-After, got %q", w.Header().Get("Retry-After"))
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("expected remaining 0, got %q", got)
	}
}

func TestAutoBlockAfterRepeatedViolations(t *testing.T) {
	f := newFixture(t, ratelimit.Config{PerMinute: 1, PerHour: 100, Burst: 10}, func(o *Options) {
		o.AutoBlockThreshold = 3
		o.AutoBlockDurationHours = 1
	})
	ctx := context.Background()

	doRequest(f, http.MethodGet, "/anything", "1.2.3.4", "")
	// Three violations reach the threshold on the last one.
	for i := 0; i < 3; i++ {
		if w := doRequest(f, http.MethodGet, "/anything", "1.2.3.4", ""); w.Code != http.StatusTooManyRequests {
			t.Fatalf("violation %d: expected 429, got %d", i+1, w.Code)
		}
	}
	if !f.blocker.IsBlocked(ctx, "1.2.3.4") {
		t.Fatalf("expected auto-block after third violation")
	}
	record, ok := f.blocker.BlockInfo(ctx, "1.2.3.4")
	if !ok || record.Reason != "excessive_rate_limit_violations" {
		t.Fatalf("unexpected block record: %+v ok=%v", record, ok)
	}

	w := doRequest(f, http.MethodGet, "/anything", "1.2.3.4", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 once blocked, got %d", w.Code)
	}
}

func TestDenyRuleRejection(t *testing.T) {
	f := newFixture(t, ratelimit.Config{PerMinute: 10, PerHour: 100, Burst: 10}, func(o *Options) {
		o.DenyRules = []config.DenyRule{
			{Name: "no_admin_probes", Expression: `path.startsWith("/wp-admin")`},
			{Name: "banned_subnet", Expression: `ip.startsWith("6.6.6.")`},
		}
	})

	w := doRequest(f, http.MethodGet, "/wp-admin/login.php", "1.2.3.4", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	var body map[string]any
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["reason"] != "no_admin_probes" {
		t.Fatalf("unexpected reason: %v", body)
	}

	if w := doRequest(f, http.MethodGet, "/anything", "6.6.6.6", ""); w.Code != http.StatusForbidden {
		t.Fatalf("expected subnet rule to reject, got %d", w.Code)
	}
	if w := doRequest(f, http.MethodGet, "/anything", "1.2.3.4", ""); w.Code != http.StatusOK {
		t.Fatalf("expected clean request to pass, got %d", w.Code)
	}
}

func TestDenyRuleCompileErrors(t *testing.T) {
	_, err := New(Options{
		DisableRateLimiting: true,
		DisableIPBlocking:   true,
		DenyRules:           []config.DenyRule{{Name: "broken", Expression: `path.`}},
	})
	if err == nil {
		t.Fatalf("expected compile error")
	}
	_, err = New(Options{
		DisableRateLimiting: true,
		DisableIPBlocking:   true,
		DenyRules:           []config.DenyRule{{Name: "non_bool", Expression: `path`}},
	})
	if err == nil {
		t.Fatalf("expected non-boolean rule to be rejected")
	}
}

func TestQueryValidationRejection(t *testing.T) {
	f := newFixture(t, ratelimit.Config{PerMinute: 10, PerHour: 100, Burst: 10}, nil)

	w := doRequest(f, http.MethodPost, "/query", "1.2.3.4", `{"query":"<script>alert(1)</script>"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
	var body map[string]any
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["error"] != "Invalid request" || body["reason"] != "invalid_characters" {
		t.Fatalf("unexpected body: %v", body)
	}

	// A clean query passes with the body intact for the handler.
	payload := `{"query":"What is section 420 of the IPC?"}`
	w = doRequest(f, http.MethodPost, "/query", "1.2.3.4", payload)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != payload {
		t.Fatalf("expected downstream handler to see the original body, got %q", w.Body.String())
	}

	// Bodies without a query field are left to the handler.
	w = doRequest(f, http.MethodPost, "/query", "1.2.3.4", `{"other":"field"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for non-query body, got %d", w.Code)
	}
}

func TestApplyOverridesSwapsSettings(t *testing.T) {
	base := Options{
		ExcludedPaths: []string{"/healthz"},
	}
	f := newFixture(t, ratelimit.Config{PerMinute: 10, PerHour: 100, Burst: 10}, func(o *Options) {
		o.ExcludedPaths = base.ExcludedPaths
	})

	err := f.middleware.ApplyOverrides(base, config.Overrides{
		ExcludedPaths: []string{"/public"},
		DenyRules:     []config.DenyRule{{Name: "probe", Expression: `path.startsWith("/wp-admin")`}},
		Endpoints: map[string]config.EndpointLimits{
			"GET:/anything": {PerMinute: 1},
		},
	})
	if err != nil {
		t.Fatalf("apply overrides: %v", err)
	}

	if w := doRequest(f, http.MethodGet, "/public/doc", "1.2.3.4", ""); w.Code != http.StatusOK {
		t.Fatalf("expected overridden excluded path to pass, got %d", w.Code)
	}
	if w := doRequest(f, http.MethodGet, "/wp-admin/", "1.2.3.4", ""); w.Code != http.StatusForbidden {
		t.Fatalf("expected overridden deny rule to reject, got %d", w.Code)
	}
	doRequest(f, http.MethodGet, "/anything", "1.2.3.4", "")
	if w := doRequest(f, http.MethodGet, "/anything", "1.2.3.4", ""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected overridden endpoint limit to deny, got %d", w.Code)
	}

	// A broken override leaves the previous settings in place.
	err = f.middleware.ApplyOverrides(base, config.Overrides{
		DenyRules: []config.DenyRule{{Name: "broken", Expression: `path.`}},
	})
	if err == nil {
		t.Fatalf("expected compile error from broken override")
	}
	if w := doRequest(f, http.MethodGet, "/wp-admin/", "5.5.5.5", ""); w.Code != http.StatusForbidden {
		t.Fatalf("expected previous rules to survive a failed override, got %d", w.Code)
	}
}

func TestFailOpenWithoutStore(t *testing.T) {
	logger := discardLogger()
	store := kvstore.New(kvstore.Config{Address: "127.0.0.1:1", OpTimeout: 250 * time.Millisecond}, logger)
	limiter, err := ratelimit.New(store, ratelimit.Config{PerMinute: 1, PerHour: 1, Burst: 1}, logger, nil)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	middleware, err := New(Options{
		Limiter:   limiter,
		Blocker:   ipblock.New(store, logger),
		Validator: validate.New(0),
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("new middleware: %v", err)
	}
	handler := middleware.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		r := httptest.NewRequest(http.MethodGet, "/anything", nil)
		r.RemoteAddr = "1.2.3.4:1"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected fail-open 200, got %d", i+1, w.Code)
		}
	}
}
