// Package search implements the retrieval pipeline: strategy classification,
// dense/sparse/hybrid retrieval with RRF fusion, rerank orchestration,
// multi-query expansion, session-aware hierarchical retrieval, and result
// post-processing.
package search

import (
	"context"
	"fmt"

	"github.com/observatory/memsearch/internal/rerank"
	"github.com/observatory/memsearch/internal/vectorstore"
)

// Strategy selects the retrieval mode.
type Strategy string

const (
	StrategyDense  Strategy = "dense"
	StrategySparse Strategy = "sparse"
	StrategyHybrid Strategy = "hybrid"
)

// ParseStrategy validates a strategy name at the edge.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyDense, StrategySparse, StrategyHybrid:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown search strategy %q", s)
	}
}

// Complexity classes assigned by the query classifier.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// Filters scope a search. TenantID is mandatory; everything else is
// optional.
type Filters struct {
	TenantID   string
	SessionID  string
	Type       string
	Project    string
	TimeRange  *vectorstore.Range
	VTEndAfter *int64
}

func (f Filters) toStore() vectorstore.Filter {
	return vectorstore.Filter{
		TenantID:   f.TenantID,
		SessionID:  f.SessionID,
		Type:       f.Type,
		Project:    f.Project,
		TimeRange:  f.TimeRange,
		VTEndAfter: f.VTEndAfter,
	}
}

// Query is a single retrieval request.
type Query struct {
	Text    string
	Limit   int
	Filters Filters

	// Threshold overrides the per-strategy minimum score. Never applied
	// to hybrid retrieval, whose scores are rank-derived.
	Threshold *float32

	// Strategy forces a retrieval mode. Empty lets the deployment default
	// and the classifier decide.
	Strategy Strategy

	Rerank      bool
	RerankTier  rerank.Tier // empty selects a tier from query features
	RerankDepth int         // candidates fetched for reranking, 0 picks a default

	// Collection overrides the retriever's configured collection.
	Collection string
}

// Result is one search hit.
type Result struct {
	ID    string
	Score float32

	// FusionScore preserves the pre-rerank score when a reranker replaced
	// Score, and mirrors the RRF score on fused multi-query results.
	FusionScore   *float32
	RerankerScore *float32
	RerankTier    string

	Payload map[string]any

	Degraded       bool
	DegradedReason string
}

// Content returns the payload content string, or empty when absent.
func (r Result) Content() string {
	if s, ok := r.Payload["content"].(string); ok {
		return s
	}
	return ""
}

// Searcher is the retrieval entry point. The core retriever implements it;
// the multi-query retriever wraps one.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, error)
}
