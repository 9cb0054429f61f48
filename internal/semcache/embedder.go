package semcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"time"
)

// Embedder converts text into a fixed-length dense vector. The cache treats
// it as an injected capability; any failure triggers the pseudo-embedding
// fallback rather than surfacing to callers.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedderFunc adapts a plain function to the Embedder interface.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

// Embed implements Embedder.
func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// HTTPEmbedder calls an external embedding service:
// POST {url} {"text": "..."} -> {"embedding": [..]}.
type HTTPEmbedder struct {
	url    string
	client *http.Client
}

// NewHTTPEmbedder constructs the client. Timeout defaults to 10s.
func NewHTTPEmbedder(url string, timeout time.Duration) (*HTTPEmbedder, error) {
	if url == "" {
		return nil, fmt.Errorf("semcache: embedding url required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPEmbedder{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Embed implements Embedder against the remote service.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("semcache: marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("semcache: build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("semcache: embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("semcache: embed request returned %d", resp.StatusCode)
	}

	var payload struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("semcache: decode embed response: %w", err)
	}
	if len(payload.Embedding) == 0 {
		return nil, fmt.Errorf("semcache: embed response carried no vector")
	}
	return payload.Embedding, nil
}

// NewHashEmbedder returns an embedder that derives vectors from a text hash.
// Deployments without an embedding service use it to run the cache in
// exact-match-only mode.
func NewHashEmbedder() Embedder {
	return EmbedderFunc(func(_ context.Context, text string) ([]float32, error) {
		return pseudoEmbedding(text), nil
	})
}

// pseudoEmbedDims sizes the degraded fallback vector.
const pseudoEmbedDims = 8

// pseudoEmbedding derives a deterministic vector from a text hash. It keeps
// the exact-match path alive when the real embedder fails; its similarity
// values are meaningless, which is acceptable because degraded mode only
// needs literal repeats to hit.
func pseudoEmbedding(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	sum := h.Sum64()

	vec := make([]float32, pseudoEmbedDims)
	for i := range vec {
		vec[i] = float32((sum >> (8 * i)) & 0xff)
	}
	return vec
}
