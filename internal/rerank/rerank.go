// Package rerank provides multi-tier reranking of retrieval candidates.
//
// A router owns one lazy slot per tier and guarantees that rerank calls
// never fail outward: on timeout, rate limiting, or model errors it either
// falls back to another tier (once) or degrades to uniform scores.
package rerank

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Tier names a reranker implementation with a fixed latency/quality/cost
// trade-off.
type Tier string

const (
	TierFast     Tier = "fast"
	TierAccurate Tier = "accurate"
	TierCode     Tier = "code"
	TierColbert  Tier = "colbert"
	TierLLM      Tier = "llm"
)

// ParseTier validates a tier name at the edge.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierFast, TierAccurate, TierCode, TierColbert, TierLLM:
		return Tier(s), nil
	default:
		return "", fmt.Errorf("unknown reranker tier %q", s)
	}
}

// ErrTimeout indicates the tier did not answer within its deadline.
var ErrTimeout = errors.New("reranker timed out")

// RateLimitKind distinguishes which cap was hit.
type RateLimitKind string

const (
	LimitRequests RateLimitKind = "requests"
	LimitBudget   RateLimitKind = "budget"
)

// RateLimitError is raised when the sliding-window limiter refuses a call.
type RateLimitError struct {
	Kind       RateLimitKind
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s), retry after %s", e.Kind, e.RetryAfter)
}

// Document is a rerank candidate. Index preserves the caller's ordering so
// results can be mapped back onto the original payloads.
type Document struct {
	Index   int
	ID      string
	Content string
}

// Scored is a reranked candidate carrying the tier-provided score.
type Scored struct {
	Index int
	Score float32
}

// Model scores query-document pairs. Implementations return one score per
// input document, index-aligned.
type Model interface {
	Rerank(ctx context.Context, query string, docs []Document) ([]Scored, error)
}
