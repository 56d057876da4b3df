package rerank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/observatory/memsearch/internal/embedder"
	"github.com/observatory/memsearch/internal/llm"
)

// DefaultTimeout bounds a tier call when the caller does not set one.
const DefaultTimeout = 10 * time.Second

// llmCostPerDocCents is the estimated spend recorded against the budget cap
// for each candidate sent to the LLM tier.
const llmCostPerDocCents = 0.05

// DegradedScore is the uniform score assigned when every tier has failed
// and the router returns candidates in their original order.
const DegradedScore = 0.5

// RouterConfig wires the router's tiers.
type RouterConfig struct {
	Fast     CrossEncoderConfig
	Accurate CrossEncoderConfig
	Code     CrossEncoderConfig

	// LLM backs the llm tier. Nil leaves the tier unconstructable, which
	// surfaces as fallback or degradation rather than an error.
	LLM      llm.LLM
	LLMModel string

	// Per-hour caps on the llm tier. Zero disables a cap.
	MaxRequestsPerHour int
	MaxBudgetCents     float64
}

// Options configures a single rerank call.
type Options struct {
	Tier     Tier
	TopK     int           // 0 means all documents
	Timeout  time.Duration // 0 means DefaultTimeout
	Fallback Tier          // optional, tried once when Tier fails
}

// Response is the outcome of a rerank call. Tier reports which tier actually
// produced the scores; when Degraded is set, Results carry uniform scores in
// the caller's original order and Reason names the failure.
type Response struct {
	Results  []Scored
	Tier     Tier
	Degraded bool
	Reason   string
}

type slot struct {
	once  sync.Once
	model Model
	err   error
}

// Router dispatches rerank calls across tiers. Tier models are constructed
// lazily, once, on first use; a construction failure is remembered and
// resurfaces on every call so fallback handling stays uniform. Rerank never
// returns an error: the worst case is uniform degraded scores.
type Router struct {
	cfg       RouterConfig
	embedders *embedder.Factory
	limiter   *HourlyLimiter
	logger    *slog.Logger
	slots     map[Tier]*slot
	overrides map[Tier]Model
}

// RouterOption is a functional option for configuring the Router.
type RouterOption func(*Router)

// WithTierModel seats a pre-built model for a tier, bypassing lazy
// construction (used in tests).
func WithTierModel(tier Tier, m Model) RouterOption {
	return func(r *Router) {
		r.overrides[tier] = m
	}
}

// NewRouter creates a reranker router.
func NewRouter(cfg RouterConfig, embedders *embedder.Factory, logger *slog.Logger, opts ...RouterOption) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		cfg:       cfg,
		embedders: embedders,
		limiter:   NewHourlyLimiter(cfg.MaxRequestsPerHour, cfg.MaxBudgetCents),
		logger:    logger,
		slots: map[Tier]*slot{
			TierFast:     {},
			TierAccurate: {},
			TierCode:     {},
			TierColbert:  {},
			TierLLM:      {},
		},
		overrides: make(map[Tier]Model),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rerank scores docs against query on the requested tier. On failure it
// tries the fallback tier once, and if that also fails it degrades to
// uniform scores covering every input document in its original order.
func (r *Router) Rerank(ctx context.Context, query string, docs []Document, opts Options) Response {
	if len(docs) == 0 {
		return Response{Tier: opts.Tier}
	}

	topK := opts.TopK
	if topK <= 0 || topK > len(docs) {
		topK = len(docs)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	scored, err := r.attempt(ctx, query, docs, opts.Tier, timeout)
	if err == nil {
		return Response{Results: rank(scored, topK), Tier: opts.Tier}
	}
	r.logger.Warn("reranker tier failed",
		"tier", opts.Tier,
		"class", failureClass(err),
		"error", err)

	if opts.Fallback != "" && opts.Fallback != opts.Tier {
		fbScored, fbErr := r.attempt(ctx, query, docs, opts.Fallback, timeout)
		if fbErr == nil {
			return Response{
				Results:  rank(fbScored, topK),
				Tier:     opts.Fallback,
				Degraded: true,
				Reason:   fmt.Sprintf("%s tier failed (%s), fell back to %s", opts.Tier, failureClass(err), opts.Fallback),
			}
		}
		r.logger.Warn("reranker fallback tier failed",
			"tier", opts.Fallback,
			"class", failureClass(fbErr),
			"error", fbErr)
	}

	// Degraded output covers every input document in its original order so
	// the caller loses ordering quality, never candidates.
	results := make([]Scored, len(docs))
	for i, d := range docs {
		results[i] = Scored{Index: d.Index, Score: DegradedScore}
	}
	return Response{
		Results:  results,
		Tier:     opts.Tier,
		Degraded: true,
		Reason:   fmt.Sprintf("%s tier failed (%s): %s", opts.Tier, failureClass(err), err),
	}
}

// attempt runs one tier under a deadline. The model call runs in its own
// goroutine so a hung backend cannot hold the request past the timeout.
func (r *Router) attempt(ctx context.Context, query string, docs []Document, tier Tier, timeout time.Duration) ([]Scored, error) {
	model, err := r.model(tier)
	if err != nil {
		return nil, fmt.Errorf("constructing %s tier: %w", tier, err)
	}

	if tier == TierLLM {
		if err := r.limiter.CheckAndRecord(llmCostPerDocCents * float64(len(docs))); err != nil {
			return nil, err
		}
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		scored []Scored
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		scored, err := model.Rerank(cctx, query, docs)
		ch <- outcome{scored, err}
	}()

	select {
	case <-cctx.Done():
		// The caller going away is not a tier timeout.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrTimeout
	case o := <-ch:
		if o.err != nil {
			return nil, o.err
		}
		if len(o.scored) != len(docs) {
			return nil, fmt.Errorf("%s tier returned %d scores for %d documents", tier, len(o.scored), len(docs))
		}
		return o.scored, nil
	}
}

func (r *Router) model(tier Tier) (Model, error) {
	if m, ok := r.overrides[tier]; ok {
		return m, nil
	}
	s, ok := r.slots[tier]
	if !ok {
		return nil, fmt.Errorf("unknown tier %q", tier)
	}
	s.once.Do(func() {
		s.model, s.err = r.build(tier)
	})
	return s.model, s.err
}

func (r *Router) build(tier Tier) (Model, error) {
	switch tier {
	case TierFast:
		return NewCrossEncoder(r.cfg.Fast)
	case TierAccurate:
		return NewCrossEncoder(r.cfg.Accurate)
	case TierCode:
		return NewCrossEncoder(r.cfg.Code)
	case TierColbert:
		enc, err := r.embedders.Multi()
		if err != nil {
			return nil, err
		}
		return NewColbertReranker(enc), nil
	case TierLLM:
		if r.cfg.LLM == nil {
			return nil, fmt.Errorf("llm client not configured")
		}
		return NewLLMReranker(r.cfg.LLM, r.cfg.LLMModel), nil
	default:
		return nil, fmt.Errorf("unknown tier %q", tier)
	}
}

// rank sorts scored candidates best-first, breaking ties by original
// position, and trims to topK.
func rank(scored []Scored, topK int) []Scored {
	out := make([]Scored, len(scored))
	copy(out, scored)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Index < out[j].Index
	})
	if topK < len(out) {
		out = out[:topK]
	}
	return out
}

func failureClass(err error) string {
	var rle *RateLimitError
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &rle):
		return "rate_limit_" + string(rle.Kind)
	default:
		return "error"
	}
}
