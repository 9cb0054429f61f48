package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lexgate/lexgate/internal/admission"
	"github.com/lexgate/lexgate/internal/config"
	"github.com/lexgate/lexgate/internal/ipblock"
	"github.com/lexgate/lexgate/internal/kvstore"
	"github.com/lexgate/lexgate/internal/logging"
	"github.com/lexgate/lexgate/internal/metrics"
	"github.com/lexgate/lexgate/internal/ratelimit"
	"github.com/lexgate/lexgate/internal/semcache"
	"github.com/lexgate/lexgate/internal/server"
	"github.com/lexgate/lexgate/internal/validate"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "LEXGATE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	app, err := newApplication(cfg, logger, prometheus.NewRegistry())
	if err != nil {
		logger.Error("unable to assemble application", slog.Any("error", err))
		os.Exit(1)
	}
	defer app.Close()

	if path := cfg.Server.Security.OverridesFile; path != "" {
		watcher, err := config.WatchOverrides(ctx, path, func(ov config.Overrides) {
			if err := app.Middleware.ApplyOverrides(app.AdmissionOptions, ov); err != nil {
				logger.Error("security overrides rejected", slog.Any("error", err))
			}
		}, func(err error) {
			logger.Error("overrides watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("overrides watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	srv, err := server.New(cfg, logger, app.Handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// application holds the assembled admission layer so the integration tests
// can exercise the exact wiring main uses.
type application struct {
	Handler          http.Handler
	Middleware       *admission.Middleware
	AdmissionOptions admission.Options
	Store            *kvstore.Store
}

// Close releases the store client.
func (a *application) Close() {
	if a.Store != nil {
		a.Store.Close()
	}
}

// newApplication wires configuration into the component graph: store,
// limiter, blocker, cache, middleware, and the HTTP surface.
func newApplication(cfg config.Config, logger *slog.Logger, registry *prometheus.Registry) (*application, error) {
	recorder := metrics.NewRecorder(registry)

	store := kvstore.New(kvstore.Config{
		Address:   cfg.Server.Store.Address,
		Username:  cfg.Server.Store.Username,
		Password:  cfg.Server.Store.Password,
		DB:        cfg.Server.Store.DB,
		OpTimeout: cfg.Server.Store.OpTimeout(),
		TLS: kvstore.TLSConfig{
			Enabled: cfg.Server.Store.TLS.Enabled,
			CAFile:  cfg.Server.Store.TLS.CAFile,
		},
	}, logger)

	limiter, err := ratelimit.New(store, ratelimit.Config{
		PerMinute:   cfg.Server.RateLimit.PerMinute,
		PerHour:     cfg.Server.RateLimit.PerHour,
		Burst:       cfg.Server.RateLimit.Burst,
		BurstWindow: cfg.Server.RateLimit.BurstWindow(),
	}, logger, recorder)
	if err != nil {
		return nil, err
	}

	blocker := ipblock.New(store, logger)

	var embedder semcache.Embedder
	if url := cfg.Server.Cache.EmbeddingURL; url != "" {
		embedder, err = semcache.NewHTTPEmbedder(url, 0)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("no embedding service configured, cache runs exact-match only")
		embedder = semcache.NewHashEmbedder()
	}

	cache, err := semcache.New(store, embedder, semcache.Config{
		TTL:                 cfg.Server.Cache.TTL(),
		SimilarityThreshold: cfg.Server.Cache.SimilarityThreshold,
		MaxCandidates:       cfg.Server.Cache.MaxCandidates,
	}, logger, recorder)
	if err != nil {
		return nil, err
	}

	admissionOpts := admission.Options{
		Limiter:                limiter,
		Blocker:                blocker,
		Validator:              validate.New(cfg.Server.Security.MaxContentLength),
		Logger:                 logger,
		Metrics:                recorder,
		ExcludedPaths:          cfg.Server.Security.ExcludedPaths,
		DenyRules:              cfg.Server.Security.DenyRules,
		DisableValidation:      !cfg.Server.Security.ValidateRequests,
		AutoBlockThreshold:     cfg.Server.RateLimit.AutoBlockThreshold,
		AutoBlockDurationHours: cfg.Server.RateLimit.AutoBlockDurationHours,
	}
	middleware, err := admission.New(admissionOpts)
	if err != nil {
		return nil, err
	}

	var queryHandler http.Handler
	if url := cfg.Server.Upstream.URL; url != "" {
		pipeline, err := server.NewUpstreamPipeline(url, cfg.Server.Upstream.Timeout())
		if err != nil {
			return nil, err
		}
		queryHandler, err = server.NewQueryHandler(cache, pipeline, logger)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Info("no upstream configured, query endpoint disabled")
	}

	router := server.NewRouter(server.RouterOptions{
		Cache:   cache,
		Blocker: blocker,
		Limiter: limiter,
		Store:   store,
		Metrics: recorder.Handler(),
		Query:   queryHandler,
		Logger:  logger,
	})

	return &application{
		Handler:          middleware.Wrap(router),
		Middleware:       middleware,
		AdmissionOptions: admissionOpts,
		Store:            store,
	}, nil
}
