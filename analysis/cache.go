package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/izavyalov-dev/triage-ci/internal/observability"
)

// BlobStore is the storage capability the cache and snapshot writers
// need: JSON blobs keyed by a caller-supplied logical path.
type BlobStore interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, data []byte) error
}

// ResultCache is a write-through cache of completed per-build analyses,
// keyed by build identity. Cache failures are logged and never affect
// the analysis itself.
type ResultCache struct {
	blobs  BlobStore
	logger *slog.Logger
}

// NewResultCache builds a cache over the given blob store.
func NewResultCache(blobs BlobStore, logger *slog.Logger) *ResultCache {
	if logger == nil {
		logger = observability.NewLogger("analysis.cache")
	}
	return &ResultCache{blobs: blobs, logger: logger}
}

// The key carries the attempt: a retried build keeps its ID, so an
// attempt-1 entry must never answer for attempt 2.
func cacheKey(ref BuildRef, attempt int) string {
	if attempt < 1 {
		attempt = 1
	}
	return fmt.Sprintf("analysis/%s/%s/%d/attempt-%d.json", ref.Org, ref.Project, ref.ID, attempt)
}

// Get returns the cached analysis for the build attempt, if present and
// readable.
func (c *ResultCache) Get(ctx context.Context, ref BuildRef, attempt int) (*BuildResultAnalysis, bool) {
	if c == nil || c.blobs == nil {
		return nil, false
	}
	data, err := c.blobs.Get(ctx, cacheKey(ref, attempt))
	if err != nil {
		return nil, false
	}
	var analysis BuildResultAnalysis
	if err := json.Unmarshal(data, &analysis); err != nil {
		c.logger.Warn("cached analysis is unreadable", "event", "cache_decode_failed", "build_id", ref.ID, "error", err)
		return nil, false
	}
	return &analysis, true
}

// Put stores a completed analysis. Errors are logged and swallowed.
func (c *ResultCache) Put(ctx context.Context, ref BuildRef, attempt int, analysis *BuildResultAnalysis) {
	if c == nil || c.blobs == nil || analysis == nil {
		return
	}
	data, err := json.Marshal(analysis)
	if err != nil {
		c.logger.Warn("cache encode failed", "event", "cache_encode_failed", "build_id", ref.ID, "error", err)
		return
	}
	if err := c.blobs.Put(ctx, cacheKey(ref, attempt), data); err != nil {
		c.logger.Warn("cache write failed", "event", "cache_write_failed", "build_id", ref.ID, "error", err)
	}
}
