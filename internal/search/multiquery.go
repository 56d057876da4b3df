package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/observatory/memsearch/internal/llm"
)

// DefaultRRFK is the standard reciprocal-rank-fusion constant.
const DefaultRRFK = 60

// ExpansionStrategy names a query rewriting style the expander can be asked
// to use.
type ExpansionStrategy string

const (
	ExpandParaphrase ExpansionStrategy = "paraphrase"
	ExpandKeyword    ExpansionStrategy = "keyword"
	ExpandStepback   ExpansionStrategy = "stepback"
	ExpandDecompose  ExpansionStrategy = "decompose"
)

// ParseExpansionStrategy validates an expansion strategy name at the edge.
func ParseExpansionStrategy(s string) (ExpansionStrategy, error) {
	switch ExpansionStrategy(s) {
	case ExpandParaphrase, ExpandKeyword, ExpandStepback, ExpandDecompose:
		return ExpansionStrategy(s), nil
	default:
		return "", fmt.Errorf("unknown expansion strategy %q", s)
	}
}

// MultiQueryConfig configures query expansion and fusion.
type MultiQueryConfig struct {
	NumVariations   int // 1..10, default 3
	Strategies      []ExpansionStrategy
	IncludeOriginal bool
	RRFK            int // default DefaultRRFK
	Model           string
}

// MultiQueryRetriever wraps a base retriever with LLM query expansion: the
// query is rewritten into variants, each variant searched in parallel, and
// the result lists fused with client-side RRF.
type MultiQueryRetriever struct {
	base   Searcher
	client llm.LLM
	cfg    MultiQueryConfig
	logger *slog.Logger

	promptTokens     atomic.Int64
	completionTokens atomic.Int64
}

// NewMultiQueryRetriever creates a multi-query retriever over base.
func NewMultiQueryRetriever(base Searcher, client llm.LLM, cfg MultiQueryConfig, logger *slog.Logger) *MultiQueryRetriever {
	if cfg.NumVariations < 1 || cfg.NumVariations > 10 {
		cfg.NumVariations = 3
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = DefaultRRFK
	}
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = []ExpansionStrategy{ExpandParaphrase, ExpandKeyword}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiQueryRetriever{base: base, client: client, cfg: cfg, logger: logger}
}

// TokenUsage reports the cumulative LLM tokens spent on expansion.
func (m *MultiQueryRetriever) TokenUsage() (prompt, completion int64) {
	return m.promptTokens.Load(), m.completionTokens.Load()
}

// Search expands the query, runs every variant in parallel, and RRF-fuses
// the result lists. Expansion failure falls back to a single base search
// with every result marked degraded.
func (m *MultiQueryRetriever) Search(ctx context.Context, q Query) ([]Result, error) {
	variants, err := m.expandQuery(ctx, q.Text)
	if err != nil {
		m.logger.Warn("query expansion failed, falling back to single-query search", "error", err)
		return m.degradedFallback(ctx, q, err)
	}

	lists := make([][]Result, len(variants))
	g, gctx := errgroup.WithContext(ctx)
	for i, variant := range variants {
		vq := q
		vq.Text = variant
		vq.Limit = variantLimit(q.Limit)
		g.Go(func() error {
			results, err := m.base.Search(gctx, vq)
			if err != nil {
				return fmt.Errorf("variant %q: %w", variant, err)
			}
			lists[i] = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Warn("multi-query retrieval failed, falling back to single-query search", "error", err)
		return m.degradedFallback(ctx, q, err)
	}

	return fuseResults(lists, m.cfg.RRFK, q.Limit), nil
}

func (m *MultiQueryRetriever) degradedFallback(ctx context.Context, q Query, cause error) ([]Result, error) {
	results, err := m.base.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	reason := fmt.Sprintf("expansion failed: %s", cause)
	for i := range results {
		results[i].Degraded = true
		results[i].DegradedReason = reason
	}
	return results, nil
}

// variantLimit oversamples each variant so fusion has enough overlap to
// rank on.
func variantLimit(limit int) int {
	if l := 2 * limit; l > 20 {
		return l
	}
	return 20
}

const expandSystemPrompt = `You rewrite search queries to improve recall. Respond with ONLY a JSON object of the form {"queries": ["...", "..."]}.`

// expandQuery asks the LLM for query variants and returns them with the
// original first when configured. Variants are deduplicated
// case-insensitively.
func (m *MultiQueryRetriever) expandQuery(ctx context.Context, text string) ([]string, error) {
	styles := make([]string, len(m.cfg.Strategies))
	for i, s := range m.cfg.Strategies {
		styles[i] = string(s)
	}
	prompt := fmt.Sprintf("Generate %d alternative search queries for: %q\nUse these rewriting styles: %s.",
		m.cfg.NumVariations, text, strings.Join(styles, ", "))

	result, err := m.client.Generate(ctx, prompt, llm.GenerateOptions{
		Model:        m.cfg.Model,
		SystemPrompt: expandSystemPrompt,
		Temperature:  0.7,
		MaxTokens:    64 * m.cfg.NumVariations,
	})
	if err != nil {
		return nil, err
	}
	m.promptTokens.Add(int64(result.Usage.PromptTokens))
	m.completionTokens.Add(int64(result.Usage.CompletionTokens))

	parsed, err := parseQueryObject(result.Text)
	if err != nil {
		return nil, err
	}

	maxVariants := m.cfg.NumVariations
	if m.cfg.IncludeOriginal {
		maxVariants++
	}

	variants := make([]string, 0, maxVariants)
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] || len(variants) >= maxVariants {
			return
		}
		seen[key] = true
		variants = append(variants, s)
	}

	if m.cfg.IncludeOriginal {
		add(text)
	}
	for _, v := range parsed {
		add(v)
	}
	if len(variants) == 0 {
		return nil, fmt.Errorf("expansion produced no variants")
	}
	return variants, nil
}

// parseQueryObject extracts {"queries": [...]} from model output, tolerating
// surrounding prose and code fences.
func parseQueryObject(text string) ([]string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in expansion response")
	}
	var obj struct {
		Queries []string `json:"queries"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err != nil {
		return nil, fmt.Errorf("parsing expansion response: %w", err)
	}
	if len(obj.Queries) == 0 {
		return nil, fmt.Errorf("expansion response has no queries")
	}
	return obj.Queries, nil
}

// fuseResults merges ranked lists with reciprocal rank fusion: an item at
// zero-based rank r in any list contributes 1/(k+r+1) to its fused score.
// The first occurrence of an id supplies the payload; reranker and
// degradation metadata is carried from whichever occurrence has it.
func fuseResults(lists [][]Result, k, limit int) []Result {
	type fused struct {
		result Result
		score  float64
	}
	byID := make(map[string]*fused)
	order := make([]string, 0)

	for _, list := range lists {
		for rank, item := range list {
			f, ok := byID[item.ID]
			if !ok {
				f = &fused{result: item}
				byID[item.ID] = f
				order = append(order, item.ID)
			} else {
				if f.result.RerankerScore == nil && item.RerankerScore != nil {
					f.result.RerankerScore = item.RerankerScore
					f.result.RerankTier = item.RerankTier
				}
				if item.Degraded && !f.result.Degraded {
					f.result.Degraded = true
					f.result.DegradedReason = item.DegradedReason
				}
			}
			f.score += 1 / float64(k+rank+1)
		}
	}

	results := make([]Result, 0, len(order))
	for _, id := range order {
		f := byID[id]
		score := float32(f.score)
		f.result.Score = score
		f.result.FusionScore = &score
		results = append(results, f.result)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// Ensure MultiQueryRetriever implements Searcher interface.
var _ Searcher = (*MultiQueryRetriever)(nil)
