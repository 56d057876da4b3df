package embedder

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultQueryCacheSize is the default LRU capacity for query embeddings.
const DefaultQueryCacheSize = 2048

// CachedDense wraps a Dense embedder with an LRU cache over query
// embeddings. Document batches bypass the cache; queries repeat, documents
// do not.
type CachedDense struct {
	inner Dense
	cache *lru.Cache[string, []float32]
}

// NewCachedDense wraps an embedder with a query-embedding cache.
func NewCachedDense(inner Dense, size int) *CachedDense {
	if size <= 0 {
		size = DefaultQueryCacheSize
	}
	cache, _ := lru.New[string, []float32](size)
	return &CachedDense{inner: inner, cache: cache}
}

// EmbedQuery returns a cached embedding when available.
func (c *CachedDense) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.cache.Get(text); ok {
		return vec, nil
	}

	vec, err := c.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(text, vec)
	return vec, nil
}

// EmbedDocuments delegates to the wrapped embedder.
func (c *CachedDense) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return c.inner.EmbedDocuments(ctx, texts)
}

// Dimension returns the dimensionality of the wrapped embedder.
func (c *CachedDense) Dimension() int {
	return c.inner.Dimension()
}

// ModelName returns the model name of the wrapped embedder.
func (c *CachedDense) ModelName() string {
	return c.inner.ModelName()
}

// Ensure CachedDense implements Dense interface.
var _ Dense = (*CachedDense)(nil)
