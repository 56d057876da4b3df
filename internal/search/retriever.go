package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/observatory/memsearch/internal/embedder"
	"github.com/observatory/memsearch/internal/rerank"
	"github.com/observatory/memsearch/internal/vectorstore"
)

// ErrInvalidQuery reports a structurally invalid search request.
var ErrInvalidQuery = errors.New("invalid search query")

// DefaultRerankDepth is the candidate pool fetched for reranking when the
// query does not set a depth.
const DefaultRerankDepth = 20

// RetrieverConfig configures the core retriever.
type RetrieverConfig struct {
	// Collection is the default collection searched.
	Collection string

	// DefaultStrategy applies when the query does not force one. When it
	// is hybrid, the classifier picks the effective strategy per query.
	DefaultStrategy Strategy

	// Per-strategy score floors, applied when the query has no threshold.
	// Hybrid never gets a floor.
	MinScoreDense  float32
	MinScoreSparse float32

	// RerankTimeout bounds each reranker tier call.
	RerankTimeout time.Duration

	// FallbackTier is tried once when the selected tier fails. Defaults
	// to the fast tier.
	FallbackTier rerank.Tier
}

// Retriever executes dense, sparse, and hybrid retrieval against the vector
// store, with optional reranking.
type Retriever struct {
	store     vectorstore.Store
	embedders *embedder.Factory
	router    *rerank.Router
	cfg       RetrieverConfig
	logger    *slog.Logger
}

// NewRetriever creates the core retriever.
func NewRetriever(store vectorstore.Store, embedders *embedder.Factory, router *rerank.Router, cfg RetrieverConfig, logger *slog.Logger) *Retriever {
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = StrategyHybrid
	}
	if cfg.FallbackTier == "" {
		cfg.FallbackTier = rerank.TierFast
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		store:     store,
		embedders: embedders,
		router:    router,
		cfg:       cfg,
		logger:    logger,
	}
}

// Search runs the full retrieval pipeline for one query.
func (r *Retriever) Search(ctx context.Context, q Query) ([]Result, error) {
	if q.Limit < 1 {
		return nil, fmt.Errorf("%w: limit must be at least 1", ErrInvalidQuery)
	}
	if q.Filters.TenantID == "" {
		return nil, vectorstore.ErrMissingTenant
	}

	var cls *Classification
	classify := func() Classification {
		if cls == nil {
			c := Classify(q.Text)
			cls = &c
		}
		return *cls
	}

	strategy := q.Strategy
	if strategy == "" {
		strategy = r.cfg.DefaultStrategy
		if r.cfg.DefaultStrategy == StrategyHybrid {
			strategy = classify().Strategy
		}
	}

	collection := q.Collection
	if collection == "" {
		collection = r.cfg.Collection
	}

	fetchLimit := q.Limit
	if q.Rerank {
		fetchLimit = rerankDepth(q)
	}

	points, err := r.fetch(ctx, q, strategy, collection, fetchLimit)
	if err != nil {
		return nil, err
	}

	if q.Rerank && len(points) > 0 {
		tier := q.RerankTier
		if tier == "" {
			tier = autoTier(classify())
		}
		return r.rerankPoints(ctx, q, points, tier), nil
	}

	if len(points) > q.Limit {
		points = points[:q.Limit]
	}
	results := make([]Result, len(points))
	for i, p := range points {
		results[i] = Result{ID: p.ID, Score: p.Score, Payload: p.Payload}
	}
	sortResults(results)
	return results, nil
}

// fetch dispatches one retrieval to the store per the effective strategy.
func (r *Retriever) fetch(ctx context.Context, q Query, strategy Strategy, collection string, limit int) ([]vectorstore.ScoredPoint, error) {
	filter := q.Filters.toStore()

	switch strategy {
	case StrategyDense:
		vec, err := r.embedDense(ctx, q)
		if err != nil {
			return nil, err
		}
		return r.store.Query(ctx, collection, r.denseField(q), vec, filter, limit, r.threshold(q, StrategyDense))

	case StrategySparse:
		sparse, err := r.embedders.Sparse()
		if err != nil {
			return nil, fmt.Errorf("strategy requires sparse embedder: %w", err)
		}
		vec, err := sparse.EmbedQuery(ctx, q.Text)
		if err != nil {
			return nil, fmt.Errorf("embedding sparse query: %w", err)
		}
		return r.store.QuerySparse(ctx, collection, r.sparseField(q), vec, filter, limit, r.threshold(q, StrategySparse))

	case StrategyHybrid:
		return r.fetchHybrid(ctx, q, collection, filter, limit)

	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidQuery, strategy)
	}
}

// fetchHybrid embeds the query densely and sparsely in parallel and fuses
// two prefetch branches server-side with RRF. When the sparse encoder is
// disabled, the search quietly narrows to dense-only.
func (r *Retriever) fetchHybrid(ctx context.Context, q Query, collection string, filter vectorstore.Filter, limit int) ([]vectorstore.ScoredPoint, error) {
	sparse, err := r.embedders.Sparse()
	if errors.Is(err, embedder.ErrUnavailable) {
		r.logger.Warn("sparse embedder unavailable, falling back to dense retrieval")
		vec, derr := r.embedDense(ctx, q)
		if derr != nil {
			return nil, derr
		}
		return r.store.Query(ctx, collection, r.denseField(q), vec, filter, limit, r.threshold(q, StrategyDense))
	}
	if err != nil {
		return nil, err
	}

	var (
		denseVec  []float32
		sparseVec vectorstore.SparseVector
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		denseVec, err = r.embedDense(gctx, q)
		return err
	})
	g.Go(func() error {
		var err error
		sparseVec, err = sparse.EmbedQuery(gctx, q.Text)
		if err != nil {
			return fmt.Errorf("embedding sparse query: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Each branch oversamples so fusion has distinct rankings to merge.
	// Fused scores are rank-derived, so no threshold applies.
	prefetches := []vectorstore.Prefetch{
		{VectorName: r.denseField(q), Dense: denseVec, Limit: 2 * limit},
		{VectorName: r.sparseField(q), Sparse: &sparseVec, Limit: 2 * limit},
	}
	return r.store.Fuse(ctx, collection, prefetches, filter, limit)
}

// rerankPoints runs the reranker router over fetched candidates and maps the
// scored output back onto the store payloads. The router never fails; at
// worst the results come back degraded.
func (r *Retriever) rerankPoints(ctx context.Context, q Query, points []vectorstore.ScoredPoint, tier rerank.Tier) []Result {
	docs := make([]rerank.Document, len(points))
	for i, p := range points {
		content, _ := p.Payload["content"].(string)
		docs[i] = rerank.Document{Index: i, ID: p.ID, Content: content}
	}

	fallback := r.cfg.FallbackTier
	if fallback == tier {
		fallback = ""
	}
	resp := r.router.Rerank(ctx, q.Text, docs, rerank.Options{
		Tier:     tier,
		TopK:     q.Limit,
		Timeout:  r.cfg.RerankTimeout,
		Fallback: fallback,
	})

	results := make([]Result, 0, len(resp.Results))
	for _, scored := range resp.Results {
		p := points[scored.Index]
		fusion := p.Score
		rrScore := scored.Score
		results = append(results, Result{
			ID:             p.ID,
			Score:          scored.Score,
			FusionScore:    &fusion,
			RerankerScore:  &rrScore,
			RerankTier:     string(resp.Tier),
			Payload:        p.Payload,
			Degraded:       resp.Degraded,
			DegradedReason: resp.Reason,
		})
	}
	sortResults(results)
	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results
}

func (r *Retriever) embedDense(ctx context.Context, q Query) ([]float32, error) {
	kind := embedder.KindTextDense
	if q.Filters.Type == "code" {
		kind = embedder.KindCodeDense
	}
	dense, err := r.embedders.Dense(kind)
	if err != nil {
		return nil, err
	}
	vec, err := dense.EmbedQuery(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return vec, nil
}

// denseField picks the dense vector searched: the code field only when the
// query is explicitly scoped to code documents.
func (r *Retriever) denseField(q Query) string {
	if q.Filters.Type == "code" {
		return vectorstore.CodeDenseVector
	}
	return vectorstore.TextDenseVector
}

func (r *Retriever) sparseField(q Query) string {
	return vectorstore.TextSparseVector
}

// threshold resolves the score floor for dense and sparse retrieval. Hybrid
// callers never ask: rank-derived scores make floors meaningless.
func (r *Retriever) threshold(q Query, strategy Strategy) *float32 {
	if q.Threshold != nil {
		return q.Threshold
	}
	var def float32
	switch strategy {
	case StrategyDense:
		def = r.cfg.MinScoreDense
	case StrategySparse:
		def = r.cfg.MinScoreSparse
	default:
		return nil
	}
	if def <= 0 {
		return nil
	}
	return &def
}

// rerankDepth resolves how many candidates to fetch ahead of reranking.
func rerankDepth(q Query) int {
	depth := q.RerankDepth
	if depth <= 0 {
		depth = DefaultRerankDepth
	}
	if depth < q.Limit {
		depth = q.Limit
	}
	return depth
}

// autoTier selects a reranker tier from query features when the caller did
// not pick one.
func autoTier(c Classification) rerank.Tier {
	switch {
	case c.Features.HasCode:
		return rerank.TierCode
	case c.Features.IsQuestion && !c.Features.HasQuotes:
		return rerank.TierColbert
	case c.Complexity == ComplexitySimple:
		return rerank.TierFast
	default:
		return rerank.TierAccurate
	}
}

// Ensure Retriever implements Searcher interface.
var _ Searcher = (*Retriever)(nil)
