package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lexgate/lexgate/internal/ipblock"
	"github.com/lexgate/lexgate/internal/kvstore"
	"github.com/lexgate/lexgate/internal/ratelimit"
	"github.com/lexgate/lexgate/internal/semcache"
)

// RouterOptions wires the management surface to the admission components.
// Every admin handler is a thin forwarding call; the components own the
// semantics.
type RouterOptions struct {
	Cache   *semcache.Cache
	Blocker *ipblock.Blocker
	Limiter *ratelimit.Limiter
	Store   *kvstore.Store
	Metrics http.Handler
	Query   http.Handler
	Logger  *slog.Logger
}

// NewRouter assembles the HTTP surface: the query endpoint, health, metrics,
// and the management API consumed by the operator tooling.
func NewRouter(opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "router"))

	mux := http.NewServeMux()

	if opts.Query != nil {
		mux.Handle("POST /query", opts.Query)
	}
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		store := "connected"
		if opts.Store == nil || !opts.Store.HealthCheck(r.Context()) {
			// The layer keeps serving in degraded mode, so the probe stays 200.
			status = "degraded"
			store = "disconnected"
		}
		respondJSON(w, http.StatusOK, map[string]any{"status": status, "store": store})
	})

	mux.HandleFunc("GET /admin/cache/stats", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, opts.Cache.Stats(r.Context()))
	})

	mux.HandleFunc("POST /admin/cache/clear", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Pattern string `json:"pattern"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		cleared := opts.Cache.Clear(r.Context(), req.Pattern)
		respondJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
	})

	mux.HandleFunc("GET /admin/security/blocked", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{"blocked": opts.Blocker.BlockedIPs(r.Context())})
	})

	mux.HandleFunc("POST /admin/security/block", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IP            string `json:"ip"`
			Reason        string `json:"reason"`
			DurationHours int    `json:"duration_hours"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.IP) == "" {
			respondJSON(w, http.StatusBadRequest, map[string]any{"error": "ip required"})
			return
		}
		ok := opts.Blocker.Block(r.Context(), req.IP, req.Reason, req.DurationHours)
		respondJSON(w, http.StatusOK, map[string]any{"blocked": ok, "ip": req.IP})
	})

	mux.HandleFunc("POST /admin/security/unblock", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IP string `json:"ip"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		ok := opts.Blocker.Unblock(r.Context(), req.IP)
		respondJSON(w, http.StatusOK, map[string]any{"unblocked": ok, "ip": req.IP})
	})

	mux.HandleFunc("GET /admin/security/whitelist", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{"whitelist": opts.Blocker.Whitelist(r.Context())})
	})

	mux.HandleFunc("POST /admin/security/whitelist", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IP string `json:"ip"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.IP) == "" {
			respondJSON(w, http.StatusBadRequest, map[string]any{"error": "ip required"})
			return
		}
		ok := opts.Blocker.AddToWhitelist(r.Context(), req.IP)
		respondJSON(w, http.StatusOK, map[string]any{"whitelisted": ok, "ip": req.IP})
	})

	mux.HandleFunc("DELETE /admin/security/whitelist", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IP string `json:"ip"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		ok := opts.Blocker.RemoveFromWhitelist(r.Context(), req.IP)
		respondJSON(w, http.StatusOK, map[string]any{"removed": ok, "ip": req.IP})
	})

	mux.HandleFunc("GET /admin/security/ratelimit", func(w http.ResponseWriter, r *http.Request) {
		identifier := r.URL.Query().Get("identifier")
		if identifier == "" {
			respondJSON(w, http.StatusBadRequest, map[string]any{"error": "identifier required"})
			return
		}
		endpoint := r.URL.Query().Get("endpoint")
		if endpoint == "" {
			endpoint = "global"
		}
		respondJSON(w, http.StatusOK, opts.Limiter.LimitInfo(r.Context(), identifier, endpoint))
	})

	mux.HandleFunc("POST /admin/security/ratelimit/reset", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Identifier string `json:"identifier"`
			Endpoint   string `json:"endpoint"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Endpoint == "" {
			req.Endpoint = "*"
		}
		ok := opts.Limiter.Reset(r.Context(), req.Identifier, req.Endpoint)
		respondJSON(w, http.StatusOK, map[string]any{"reset": ok})
	})

	return mux
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return false
	}
	return true
}
