package extract

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/tkrajewski/undertow/internal/pipeline"
)

// Hasher digests page bodies for cache keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Cached memoizes an inner strategy's successful results in a CacheStorage,
// keyed by content digest and strategy name. Identical bodies fetched from
// different URLs share one cache slot; the SourceURL is rewritten on hits.
// Cache trouble is never fatal: a broken cache degrades to pass-through.
type Cached struct {
	inner  Extractor
	store  pipeline.CacheStorage
	hasher Hasher
	ttl    time.Duration
	logger *zap.Logger
}

// NewCached wraps inner with memoization. A zero ttl means entries never
// expire (subject to the store's own eviction).
func NewCached(inner Extractor, store pipeline.CacheStorage, hasher Hasher, ttl time.Duration, logger *zap.Logger) *Cached {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached{inner: inner, store: store, hasher: hasher, ttl: ttl, logger: logger}
}

// Name implements Extractor, delegating to the wrapped strategy.
func (c *Cached) Name() string { return c.inner.Name() }

// CanHandle implements Extractor, delegating to the wrapped strategy.
func (c *Cached) CanHandle(raw pipeline.RawCrawlResult) bool { return c.inner.CanHandle(raw) }

// Extract serves from cache when the content digest is known, otherwise runs
// the wrapped strategy and stores its result. Failed extractions are not
// cached so transient dependency trouble does not poison the key.
func (c *Cached) Extract(ctx context.Context, raw pipeline.RawCrawlResult) (pipeline.ExtractionResult, error) {
	key, err := c.cacheKey(raw.Body)
	if err != nil {
		return c.inner.Extract(ctx, raw)
	}

	if blob, hit, err := c.store.Get(ctx, key); err != nil {
		c.logger.Warn("extraction cache get failed", zap.String("key", key), zap.Error(err))
	} else if hit {
		var res pipeline.ExtractionResult
		if err := json.Unmarshal(blob, &res); err == nil {
			res.SourceURL = raw.URL
			return res, nil
		}
		c.logger.Warn("extraction cache entry corrupt", zap.String("key", key))
	}

	res, err := c.inner.Extract(ctx, raw)
	if err != nil {
		return res, err
	}
	if blob, err := json.Marshal(res); err == nil {
		if err := c.store.Set(ctx, key, blob, c.ttl); err != nil {
			c.logger.Warn("extraction cache set failed", zap.String("key", key), zap.Error(err))
		}
	}
	return res, nil
}

func (c *Cached) cacheKey(body []byte) (string, error) {
	digest, err := c.hasher.Hash(body)
	if err != nil {
		return "", err
	}
	return "extract:" + c.inner.Name() + ":" + digest, nil
}
