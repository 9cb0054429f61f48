// Package admission decides, for every inbound request, whether it may
// proceed: excluded paths bypass, whitelisted clients bypass, blocked clients
// are rejected, rate-limited clients are rejected and possibly escalated to a
// block. Every dependency fails open, so an unreachable store degrades the
// checks to permissive rather than taking the service down with them.
package admission

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lexgate/lexgate/internal/config"
	"github.com/lexgate/lexgate/internal/ipblock"
	"github.com/lexgate/lexgate/internal/metrics"
	"github.com/lexgate/lexgate/internal/ratelimit"
	"github.com/lexgate/lexgate/internal/validate"
)

// Options configures the middleware. The zero value of the Disable flags
// keeps every check enabled.
type Options struct {
	Limiter   *ratelimit.Limiter
	Blocker   *ipblock.Blocker
	Validator *validate.Validator
	Logger    *slog.Logger
	Metrics   *metrics.Recorder

	ExcludedPaths []string
	DenyRules     []config.DenyRule

	DisableRateLimiting bool
	DisableIPBlocking   bool
	DisableValidation   bool

	// AutoBlockThreshold is the violation count at which a rate-limited
	// caller is escalated to a temporary block. Zero disables escalation.
	AutoBlockThreshold     int
	AutoBlockDurationHours int
}

// settings is the hot-swappable portion of the configuration.
type settings struct {
	excludedPaths []string
	rules         []denyRule
}

// Middleware is the request-pipeline orchestrator.
type Middleware struct {
	limiter   *ratelimit.Limiter
	blocker   *ipblock.Blocker
	validator *validate.Validator
	logger    *slog.Logger
	metrics   *metrics.Recorder

	settings atomic.Pointer[settings]

	rateLimiting bool
	ipBlocking   bool
	validation   bool

	autoBlockThreshold int
	autoBlockHours     int
}

// New compiles the deny rules and constructs the middleware.
func New(opts Options) (*Middleware, error) {
	if opts.Limiter == nil && !opts.DisableRateLimiting {
		return nil, fmt.Errorf("admission: limiter required")
	}
	if opts.Blocker == nil && !opts.DisableIPBlocking {
		return nil, fmt.Errorf("admission: blocker required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rules, err := compileDenyRules(opts.DenyRules)
	if err != nil {
		return nil, err
	}

	threshold := opts.AutoBlockThreshold
	hours := opts.AutoBlockDurationHours
	if hours <= 0 {
		hours = 1
	}

	m := &Middleware{
		limiter:            opts.Limiter,
		blocker:            opts.Blocker,
		validator:          opts.Validator,
		logger:             logger.With(slog.String("component", "admission")),
		metrics:            opts.Metrics,
		rateLimiting:       !opts.DisableRateLimiting,
		ipBlocking:         !opts.DisableIPBlocking,
		validation:         !opts.DisableValidation && opts.Validator != nil,
		autoBlockThreshold: threshold,
		autoBlockHours:     hours,
	}
	m.settings.Store(&settings{
		excludedPaths: append([]string(nil), opts.ExcludedPaths...),
		rules:         rules,
	})
	return m, nil
}

// ApplyOverrides swaps excluded paths and deny rules from the hot-reloadable
// overrides file and forwards per-endpoint limits to the limiter. A compile
// failure leaves the previous settings in effect.
func (m *Middleware) ApplyOverrides(base Options, ov config.Overrides) error {
	excluded := append([]string(nil), base.ExcludedPaths...)
	excluded = append(excluded, ov.ExcludedPaths...)

	ruleConfigs := append([]config.DenyRule(nil), base.DenyRules...)
	ruleConfigs = append(ruleConfigs, ov.DenyRules...)
	rules, err := compileDenyRules(ruleConfigs)
	if err != nil {
		return err
	}

	m.settings.Store(&settings{excludedPaths: excluded, rules: rules})

	if m.limiter != nil && len(ov.Endpoints) > 0 {
		limits := make(map[string]ratelimit.Config, len(ov.Endpoints))
		for endpoint, ep := range ov.Endpoints {
			limits[endpoint] = ratelimit.Config{
				PerMinute: ep.PerMinute,
				PerHour:   ep.PerHour,
				Burst:     ep.Burst,
			}
		}
		m.limiter.ApplyOverrides(limits)
	}

	m.logger.Info("security overrides applied",
		slog.Int("excluded_paths", len(excluded)),
		slog.Int("deny_rules", len(rules)),
		slog.Int("endpoint_limits", len(ov.Endpoints)))
	return nil
}

// verdict is the outcome of the check phase for one request.
type verdict struct {
	decision    metrics.AdmissionDecision
	status      int
	body        map[string]any
	headers     map[string]string
	limitInfo   *ratelimit.Info
	whitelisted bool
}

// Wrap returns a handler that runs the admission pipeline before next and
// annotates the response afterwards.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		v := m.check(r)
		m.metrics.ObserveAdmission(r.URL.Path, v.decision, time.Since(start))

		if v.status != 0 {
			h := w.Header()
			securityHeaders(h)
			for name, value := range v.headers {
				h.Set(name, value)
			}
			writeJSON(w, v.status, v.body)
			return
		}

		annotated := &annotatingWriter{
			ResponseWriter: w,
			annotate: func(h http.Header) {
				securityHeaders(h)
				if v.whitelisted {
					h.Set("X-Security-Bypass", "whitelisted")
				}
				if v.limitInfo != nil {
					h.Set("X-RateLimit-Limit", strconv.Itoa(v.limitInfo.Limit))
					h.Set("X-RateLimit-Remaining", strconv.Itoa(v.limitInfo.Remaining))
					h.Set("X-RateLimit-Reset", strconv.FormatInt(v.limitInfo.ResetAt, 10))
				}
				h.Set("X-Process-Time", fmt.Sprintf("%.3f", time.Since(start).Seconds()))
			},
		}
		next.ServeHTTP(annotated, r)
	})
}

// check runs the admission sequence. A panic anywhere in the checks fails
// open: the request is forwarded unmodified, mirroring the posture of every
// dependency.
func (m *Middleware) check(r *http.Request) (v verdict) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("admission check panicked, failing open", slog.Any("panic", rec))
			v = verdict{decision: metrics.DecisionAllowed}
		}
	}()

	snap := m.settings.Load()
	ctx := r.Context()

	if isExcludedPath(r.URL.Path, snap.excludedPaths) {
		return verdict{decision: metrics.DecisionExcluded}
	}

	ip := clientIP(r)

	if m.ipBlocking && m.blocker.IsWhitelisted(ctx, ip) {
		m.logger.Debug("whitelisted client", slog.String("ip", ip))
		return verdict{decision: metrics.DecisionWhitelisted, whitelisted: true}
	}

	if m.ipBlocking && m.blocker.IsBlocked(ctx, ip) {
		reason := "abuse"
		blockedAt := ""
		if info, ok := m.blocker.BlockInfo(ctx, ip); ok {
			reason = info.Reason
			blockedAt = info.BlockedAt
		}
		m.logger.Warn("blocked client rejected", slog.String("ip", ip), slog.String("reason", reason))
		return verdict{
			decision: metrics.DecisionBlocked,
			status:   http.StatusForbidden,
			body: map[string]any{
				"error":      "Access forbidden",
				"message":    "Your IP address has been blocked",
				"reason":     reason,
				"blocked_at": blockedAt,
			},
		}
	}

	if len(snap.rules) > 0 {
		vars := map[string]any{
			"ip":       ip,
			"path":     r.URL.Path,
			"method":   r.Method,
			"endpoint": endpointOf(r),
			"query":    flattenQuery(r),
		}
		for _, rule := range snap.rules {
			matched, err := rule.matches(vars)
			if err != nil {
				m.logger.Warn("deny rule evaluation failed", slog.String("rule", rule.name), slog.Any("error", err))
				continue
			}
			if matched {
				m.logger.Warn("deny rule rejected request", slog.String("rule", rule.name), slog.String("ip", ip))
				return verdict{
					decision: metrics.DecisionDenied,
					status:   http.StatusForbidden,
					body: map[string]any{
						"error":  "Access denied",
						"reason": rule.name,
					},
				}
			}
		}
	}

	if m.validation {
		if reason, bad := m.validateBody(r, ip); bad {
			return verdict{
				decision: metrics.DecisionInvalid,
				status:   http.StatusUnprocessableEntity,
				body: map[string]any{
					"error":  "Invalid request",
					"reason": reason,
				},
			}
		}
	}

	if m.rateLimiting {
		endpoint := endpointOf(r)
		allowed, info := m.limiter.IsAllowed(ctx, ip, endpoint)
		if !allowed {
			m.maybeAutoBlock(r, ip, info)
			retryAfter := info.RetryAfter
			if retryAfter <= 0 {
				retryAfter = 60
			}
			return verdict{
				decision: metrics.DecisionRateLimited,
				status:   http.StatusTooManyRequests,
				body: map[string]any{
					"error":       "Rate limit exceeded",
					"message":     "Too many requests. Please try again later.",
					"reason":      info.Reason,
					"retry_after": retryAfter,
				},
				headers: map[string]string{
					"X-RateLimit-Limit":     strconv.Itoa(info.Limit),
					"X-RateLimit-Remaining": "0",
					"X-RateLimit-Reset":     strconv.FormatInt(info.ResetAt, 10),
					"Retry-After":           strconv.Itoa(retryAfter),
				},
			}
		}
		return verdict{decision: metrics.DecisionAllowed, limitInfo: &info}
	}

	return verdict{decision: metrics.DecisionAllowed}
}

// validateBody screens JSON POST bodies carrying a query field. The body is
// buffered and restored so the downstream handler sees it untouched.
func (m *Middleware) validateBody(r *http.Request, ip string) (string, bool) {
	if r.Method != http.MethodPost || r.Body == nil {
		return "", false
	}
	contentType := strings.ToLower(r.Header.Get("Content-Type"))
	if !strings.Contains(contentType, "application/json") {
		if contentType != "" && !strings.Contains(contentType, "multipart/form-data") {
			m.logger.Warn("unexpected content type", slog.String("ip", ip), slog.String("content_type", contentType))
		}
		return "", false
	}

	limit := int64(m.validator.MaxContentLength())
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return "", false
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if int64(len(body)) > limit {
		return "query_too_long", true
	}

	var payload struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Query == "" {
		// Not a query-shaped body; leave it to the handler.
		return "", false
	}
	if ok, reason := m.validator.ValidateQuery(payload.Query); !ok {
		m.logger.Warn("query validation rejected request", slog.String("ip", ip), slog.String("reason", reason))
		return reason, true
	}
	return "", false
}

// maybeAutoBlock escalates repeat offenders from "slow down" to a temporary
// block once their violation count reaches the threshold.
func (m *Middleware) maybeAutoBlock(r *http.Request, ip string, info ratelimit.Info) {
	if !m.ipBlocking || m.autoBlockThreshold <= 0 {
		return
	}
	if info.Violations < int64(m.autoBlockThreshold) {
		return
	}
	if m.blocker.Block(r.Context(), ip, "excessive_rate_limit_violations", m.autoBlockHours) {
		m.metrics.ObserveAutoBlock()
		m.logger.Warn("auto-blocked client after repeated violations",
			slog.String("ip", ip),
			slog.Int64("violations", info.Violations))
	}
}

func isExcludedPath(path string, excluded []string) bool {
	for _, prefix := range excluded {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func endpointOf(r *http.Request) string {
	return r.Method + ":" + r.URL.Path
}

func flattenQuery(r *http.Request) map[string]string {
	values := r.URL.Query()
	out := make(map[string]string, len(values))
	for name, vals := range values {
		if len(vals) > 0 {
			out[name] = vals[0]
		}
	}
	return out
}

func securityHeaders(h http.Header) {
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// annotatingWriter injects response headers once, immediately before the
// first write, so post-handler annotations still make it onto the wire.
type annotatingWriter struct {
	http.ResponseWriter
	annotate func(http.Header)
	wrote    bool
}

func (w *annotatingWriter) WriteHeader(status int) {
	if !w.wrote {
		w.wrote = true
		w.annotate(w.Header())
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *annotatingWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
