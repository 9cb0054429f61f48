package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lexgate/lexgate/internal/semcache"
)

// Pipeline is the expensive answer pipeline the cache fronts. Its result is
// an opaque serializable structure this layer never inspects.
type Pipeline interface {
	Answer(ctx context.Context, query, language string) (json.RawMessage, error)
}

// PipelineFunc adapts a plain function to the Pipeline interface.
type PipelineFunc func(ctx context.Context, query, language string) (json.RawMessage, error)

// Answer implements Pipeline.
func (f PipelineFunc) Answer(ctx context.Context, query, language string) (json.RawMessage, error) {
	return f(ctx, query, language)
}

// UpstreamPipeline forwards queries to the configured upstream service:
// POST {url} {"query": ..., "language": ...} -> arbitrary JSON.
type UpstreamPipeline struct {
	url    string
	client *http.Client
}

// NewUpstreamPipeline constructs the forwarding client.
func NewUpstreamPipeline(url string, timeout time.Duration) (*UpstreamPipeline, error) {
	if url == "" {
		return nil, fmt.Errorf("server: upstream url required")
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &UpstreamPipeline{url: url, client: &http.Client{Timeout: timeout}}, nil
}

// Answer implements Pipeline against the upstream service.
func (p *UpstreamPipeline) Answer(ctx context.Context, query, language string) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]string{"query": query, "language": language})
	if err != nil {
		return nil, fmt.Errorf("server: marshal upstream request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("server: build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server: upstream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("server: upstream returned %d", resp.StatusCode)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("server: read upstream response: %w", err)
	}
	return payload, nil
}

// QueryHandler serves the cached query flow: consult the semantic cache, on a
// miss invoke the pipeline and store the result back.
type QueryHandler struct {
	cache    *semcache.Cache
	pipeline Pipeline
	logger   *slog.Logger
}

// NewQueryHandler wires the handler.
func NewQueryHandler(cache *semcache.Cache, pipeline Pipeline, logger *slog.Logger) (*QueryHandler, error) {
	if cache == nil {
		return nil, fmt.Errorf("server: cache required")
	}
	if pipeline == nil {
		return nil, fmt.Errorf("server: pipeline required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryHandler{
		cache:    cache,
		pipeline: pipeline,
		logger:   logger.With(slog.String("component", "query")),
	}, nil
}

// ServeHTTP implements the query endpoint.
func (h *QueryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query    string `json:"query"`
		Language string `json:"language"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Query == "" {
		respondJSON(w, http.StatusBadRequest, map[string]any{"error": "query required"})
		return
	}
	if req.Language == "" {
		req.Language = "English"
	}

	if result, ok := h.cache.Lookup(r.Context(), req.Query, req.Language); ok {
		respondJSON(w, http.StatusOK, map[string]any{
			"response":   result.Payload,
			"cached":     true,
			"similarity": result.Similarity,
		})
		return
	}

	payload, err := h.pipeline.Answer(r.Context(), req.Query, req.Language)
	if err != nil {
		h.logger.Error("pipeline invocation failed", slog.Any("error", err))
		respondJSON(w, http.StatusBadGateway, map[string]any{"error": "answer pipeline unavailable"})
		return
	}

	h.cache.Store(r.Context(), req.Query, payload, req.Language, 0)

	respondJSON(w, http.StatusOK, map[string]any{
		"response": json.RawMessage(payload),
		"cached":   false,
	})
}
