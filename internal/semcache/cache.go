package semcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lexgate/lexgate/internal/kvstore"
	"github.com/lexgate/lexgate/internal/metrics"
)

const (
	entryPrefix    = "query_cache:"
	metadataPrefix = "metadata:"
)

// Config tunes the semantic cache.
type Config struct {
	// TTL is applied to entry and metadata alike.
	TTL time.Duration
	// SimilarityThreshold is the minimum cosine similarity for a paraphrase
	// hit. The comparison is inclusive.
	SimilarityThreshold float64
	// MaxCandidates bounds the linear similarity scan.
	MaxCandidates int
}

// Result is a cache hit: the stored payload annotated with the similarity
// that produced the match (1.0 on the exact path).
type Result struct {
	Payload    json.RawMessage `json:"payload"`
	Similarity float64         `json:"similarity"`
	Query      string          `json:"query,omitempty"`
}

// Stats extends the adapter stats with semantic-cache specifics.
type Stats struct {
	kvstore.Stats
	MetadataEntries     int     `json:"metadata_entries"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

// metadata is the companion record to a cache entry. The similarity scan
// needs the raw vector, not just its hash.
type metadata struct {
	Query     string    `json:"query"`
	Embedding []float32 `json:"embedding"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"created_at"`
}

// Cache maps a query plus response language to a previously computed answer,
// matching paraphrases above a similarity threshold. The payload is an opaque
// blob; the cache never inspects it.
type Cache struct {
	store    *kvstore.Store
	embedder Embedder
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// New validates the configuration and constructs the cache.
func New(store *kvstore.Store, embedder Embedder, cfg Config, logger *slog.Logger, rec *metrics.Recorder) (*Cache, error) {
	if store == nil {
		return nil, fmt.Errorf("semcache: store required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("semcache: embedder required")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("semcache: ttl must be positive")
	}
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		return nil, fmt.Errorf("semcache: similarity threshold %v outside (0, 1]", cfg.SimilarityThreshold)
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "semcache")),
		metrics:  rec,
	}, nil
}

// Threshold reports the configured similarity threshold.
func (c *Cache) Threshold() float64 { return c.cfg.SimilarityThreshold }

// Lookup returns the cached response for the query if an identical or
// sufficiently similar query was cached under the same language.
func (c *Cache) Lookup(ctx context.Context, query, language string) (Result, bool) {
	if !c.store.Connected() {
		return Result{}, false
	}

	embedding := c.embed(ctx, query)
	hash := embeddingHash(embedding)

	exactKey := entryKey(hash, language)
	if raw, ok := c.store.Get(ctx, exactKey); ok {
		c.metrics.ObserveCacheLookup(metrics.CacheHitExact)
		c.logger.Debug("cache hit", slog.String("kind", "exact"), slog.String("query", truncate(query)))
		return Result{Payload: json.RawMessage(raw), Similarity: 1.0, Query: query}, true
	}

	result, ok := c.findSimilar(ctx, embedding, language, exactKey)
	if ok {
		c.metrics.ObserveCacheLookup(metrics.CacheHitSemantic)
		c.logger.Debug("cache hit",
			slog.String("kind", "semantic"),
			slog.String("query", truncate(query)),
			slog.Float64("similarity", result.Similarity))
		return result, true
	}

	c.metrics.ObserveCacheLookup(metrics.CacheMiss)
	return Result{}, false
}

// findSimilar scans the most recently listed candidates for the language and
// returns the highest-similarity entry at or above the threshold.
func (c *Cache) findSimilar(ctx context.Context, embedding []float32, language, skipKey string) (Result, bool) {
	keys := c.store.Keys(ctx, entryPrefix+"*:"+language)
	if len(keys) == 0 {
		return Result{}, false
	}
	if len(keys) > c.cfg.MaxCandidates {
		keys = keys[:c.cfg.MaxCandidates]
	}

	bestKey := ""
	bestQuery := ""
	bestSimilarity := 0.0
	for _, key := range keys {
		if key == skipKey {
			continue
		}
		metadataKey := strings.Replace(key, entryPrefix, metadataPrefix, 1)
		raw, ok := c.store.Get(ctx, metadataKey)
		if !ok {
			// Entry without metadata: the companion write failed or expired
			// first. Skip rather than fail the scan.
			continue
		}
		var meta metadata
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			c.logger.Warn("cache metadata undecodable", slog.String("key", metadataKey), slog.Any("error", err))
			continue
		}
		similarity := Cosine(embedding, meta.Embedding)
		if similarity >= c.cfg.SimilarityThreshold && similarity > bestSimilarity {
			bestSimilarity = similarity
			bestKey = key
			bestQuery = meta.Query
		}
	}

	if bestKey == "" {
		return Result{}, false
	}
	raw, ok := c.store.Get(ctx, bestKey)
	if !ok {
		// Best candidate expired between scan and fetch.
		return Result{}, false
	}
	return Result{Payload: json.RawMessage(raw), Similarity: bestSimilarity, Query: bestQuery}, true
}

// Store caches the response payload together with the metadata record the
// similarity scan depends on. The two writes share one TTL; when the metadata
// write fails the entry is rolled back so the pair never drifts.
func (c *Cache) Store(ctx context.Context, query string, payload json.RawMessage, language string, ttl time.Duration) bool {
	if !c.store.Connected() {
		return false
	}
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}

	embedding := c.embed(ctx, query)
	hash := embeddingHash(embedding)

	if !c.store.Set(ctx, entryKey(hash, language), string(payload), ttl) {
		c.metrics.ObserveCacheStore(metrics.CacheError)
		return false
	}

	meta := metadata{
		Query:     query,
		Embedding: embedding,
		Language:  language,
		CreatedAt: time.Now().UTC(),
	}
	encoded, err := json.Marshal(meta)
	if err != nil || !c.store.Set(ctx, metadataKey(hash, language), string(encoded), ttl) {
		c.store.Delete(ctx, entryKey(hash, language))
		c.metrics.ObserveCacheStore(metrics.CacheError)
		c.logger.Warn("cache metadata store failed, entry rolled back", slog.String("query", truncate(query)))
		return false
	}

	c.metrics.ObserveCacheStore(metrics.CacheStored)
	c.logger.Debug("cached response", slog.String("query", truncate(query)), slog.String("language", language))
	return true
}

// Clear removes cached entries matching the pattern along with all metadata
// records, returning the number of entries cleared.
func (c *Cache) Clear(ctx context.Context, pattern string) int64 {
	if pattern == "" {
		pattern = entryPrefix + "*"
	}
	cleared := c.store.ClearPattern(ctx, pattern)
	metadataCleared := c.store.ClearPattern(ctx, metadataPrefix+"*")
	c.logger.Info("cache cleared",
		slog.String("pattern", pattern),
		slog.Int64("entries", cleared),
		slog.Int64("metadata", metadataCleared))
	return cleared
}

// Stats reports adapter stats extended with semantic-cache details.
func (c *Cache) Stats(ctx context.Context) Stats {
	stats := Stats{
		Stats:               c.store.Stats(ctx),
		SimilarityThreshold: c.cfg.SimilarityThreshold,
	}
	if c.store.Connected() {
		stats.MetadataEntries = len(c.store.Keys(ctx, metadataPrefix+"*"))
	}
	return stats
}

// embed runs the injected embedder, falling back to a deterministic
// pseudo-embedding on failure so exact-match caching keeps working.
func (c *Cache) embed(ctx context.Context, text string) []float32 {
	embedding, err := c.embedder.Embed(ctx, text)
	if err != nil || len(embedding) == 0 {
		c.logger.Warn("embedding failed, using degraded text hash", slog.Any("error", err))
		return pseudoEmbedding(text)
	}
	return embedding
}

func entryKey(hash, language string) string {
	return entryPrefix + hash + ":" + language
}

func metadataKey(hash, language string) string {
	return metadataPrefix + hash + ":" + language
}

func truncate(s string) string {
	if len(s) <= 50 {
		return s
	}
	return s[:50] + "..."
}
