package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/observatory/memsearch/internal/embedder"
	"github.com/observatory/memsearch/internal/rerank"
	"github.com/observatory/memsearch/internal/vectorstore"
)

// SessionConfig configures two-stage session-aware retrieval.
type SessionConfig struct {
	TopSessions           int     // default 5
	TurnsPerSession       int     // default 3
	FinalTopK             int     // default 10
	SessionCollection     string
	TurnCollection        string
	SessionScoreThreshold float32 // default 0.3
	ParallelTurnRetrieval bool
	RerankTimeout         time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.TopSessions <= 0 {
		c.TopSessions = 5
	}
	if c.TurnsPerSession <= 0 {
		c.TurnsPerSession = 3
	}
	if c.FinalTopK <= 0 {
		c.FinalTopK = 10
	}
	if c.SessionScoreThreshold == 0 {
		c.SessionScoreThreshold = 0.3
	}
	return c
}

// SessionRetriever does hierarchical retrieval over conversational corpora:
// session summaries are searched first, then turns are pulled from each
// matching session.
type SessionRetriever struct {
	store     vectorstore.Store
	embedders *embedder.Factory
	router    *rerank.Router // nil disables the final rerank
	cfg       SessionConfig
	logger    *slog.Logger
}

// NewSessionRetriever creates a session-aware retriever.
func NewSessionRetriever(store vectorstore.Store, embedders *embedder.Factory, router *rerank.Router, cfg SessionConfig, logger *slog.Logger) *SessionRetriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionRetriever{
		store:     store,
		embedders: embedders,
		router:    router,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

type sessionHit struct {
	id      string
	summary string
	score   float32
}

// Retrieve runs both stages: session selection, then per-session turn
// retrieval, then an optional rerank over the gathered turns.
func (s *SessionRetriever) Retrieve(ctx context.Context, q Query) ([]Result, error) {
	if q.Filters.TenantID == "" {
		return nil, vectorstore.ErrMissingTenant
	}

	dense, err := s.embedders.Dense(embedder.KindTextDense)
	if err != nil {
		return nil, err
	}
	queryVec, err := dense.EmbedQuery(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	sessions, err := s.selectSessions(ctx, q, queryVec)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}

	turns := s.gatherTurns(ctx, q, queryVec, sessions)
	return s.finalize(ctx, q, turns), nil
}

// selectSessions is stage one: nearest session summaries above the session
// score threshold.
func (s *SessionRetriever) selectSessions(ctx context.Context, q Query, queryVec []float32) ([]sessionHit, error) {
	threshold := s.cfg.SessionScoreThreshold
	points, err := s.store.Query(ctx, s.cfg.SessionCollection, vectorstore.TextDenseVector, queryVec,
		vectorstore.Filter{TenantID: q.Filters.TenantID}, s.cfg.TopSessions, &threshold)
	if err != nil {
		return nil, fmt.Errorf("session retrieval: %w", err)
	}

	sessions := make([]sessionHit, 0, len(points))
	for _, p := range points {
		hit := sessionHit{id: p.ID, score: p.Score}
		if sid, ok := p.Payload["session_id"].(string); ok && sid != "" {
			hit.id = sid
		}
		if summary, ok := p.Payload["content"].(string); ok {
			hit.summary = summary
		}
		sessions = append(sessions, hit)
	}
	return sessions, nil
}

// gatherTurns is stage two: per-session turn retrieval. A failing session
// contributes nothing; the others still answer.
func (s *SessionRetriever) gatherTurns(ctx context.Context, q Query, queryVec []float32, sessions []sessionHit) []Result {
	perSession := make([][]Result, len(sessions))

	fetch := func(i int) {
		hit := sessions[i]
		filter := q.Filters.toStore()
		filter.SessionID = hit.id
		points, err := s.store.Query(ctx, s.cfg.TurnCollection, vectorstore.TurnDenseVector, queryVec,
			filter, s.cfg.TurnsPerSession, nil)
		if err != nil {
			s.logger.Warn("turn retrieval failed for session", "session_id", hit.id, "error", err)
			return
		}
		results := make([]Result, len(points))
		for j, p := range points {
			payload := make(map[string]any, len(p.Payload)+3)
			for k, v := range p.Payload {
				payload[k] = v
			}
			payload["session_id"] = hit.id
			payload["session_summary"] = hit.summary
			payload["session_score"] = hit.score
			results[j] = Result{ID: p.ID, Score: p.Score, Payload: payload}
		}
		perSession[i] = results
	}

	if s.cfg.ParallelTurnRetrieval {
		var wg sync.WaitGroup
		for i := range sessions {
			wg.Add(1)
			go func() {
				defer wg.Done()
				fetch(i)
			}()
		}
		wg.Wait()
	} else {
		for i := range sessions {
			fetch(i)
		}
	}

	var turns []Result
	for _, results := range perSession {
		turns = append(turns, results...)
	}
	return turns
}

// finalize reranks the gathered turns when there are more than the caller
// will see and a reranker is available; otherwise it sorts by score. A
// degraded rerank falls back to the score ordering rather than returning
// uniform scores.
func (s *SessionRetriever) finalize(ctx context.Context, q Query, turns []Result) []Result {
	topK := s.cfg.FinalTopK
	if q.Limit > 0 {
		topK = q.Limit
	}

	if len(turns) > topK && s.router != nil {
		docs := make([]rerank.Document, len(turns))
		for i, t := range turns {
			docs[i] = rerank.Document{Index: i, ID: t.ID, Content: t.Content()}
		}
		tier := q.RerankTier
		if tier == "" {
			tier = rerank.TierFast
		}
		resp := s.router.Rerank(ctx, q.Text, docs, rerank.Options{
			Tier:    tier,
			TopK:    topK,
			Timeout: s.cfg.RerankTimeout,
		})
		if !resp.Degraded {
			results := make([]Result, 0, len(resp.Results))
			for _, scored := range resp.Results {
				t := turns[scored.Index]
				fusion := t.Score
				rrScore := scored.Score
				t.FusionScore = &fusion
				t.RerankerScore = &rrScore
				t.RerankTier = string(resp.Tier)
				t.Score = scored.Score
				results = append(results, t)
			}
			sortResults(results)
			return results
		}
		s.logger.Warn("session rerank degraded, falling back to score ordering", "reason", resp.Reason)
	}

	sortResults(turns)
	if len(turns) > topK {
		turns = turns[:topK]
	}
	return turns
}
