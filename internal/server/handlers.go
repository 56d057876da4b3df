package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/observatory/memsearch/internal/auth"
	"github.com/observatory/memsearch/internal/embedder"
	"github.com/observatory/memsearch/internal/indexer"
	"github.com/observatory/memsearch/internal/llm"
	"github.com/observatory/memsearch/internal/rerank"
	"github.com/observatory/memsearch/internal/search"
	"github.com/observatory/memsearch/internal/vectorstore"
)

// conflictScoreThreshold and conflictLimit bound the conflict-candidates
// nearest-neighbor lookup.
const (
	conflictScoreThreshold float32 = 0.65
	conflictLimit                  = 10
)

// Collections names the three collections the service manages.
type Collections struct {
	Memories string
	Turns    string
	Sessions string
}

// SchemaManager recreates collections with their canonical schemas.
type SchemaManager interface {
	RecreateCollection(ctx context.Context, name string, schema vectorstore.CollectionSchema) error
}

// HandlersConfig carries the pieces handlers need beyond their dependencies.
type HandlersConfig struct {
	Collections    Collections
	TextDim        int
	CodeDim        int
	MultiDim       int
	ColbertEnabled bool
	MultiQuery     search.MultiQueryConfig
	Session        search.SessionConfig
}

// Handlers implements the HTTP endpoints.
type Handlers struct {
	retriever *search.Retriever
	store     vectorstore.Store
	schemas   SchemaManager
	embedders *embedder.Factory
	router    *rerank.Router
	llmClient llm.LLM
	cfg       HandlersConfig
	logger    *slog.Logger
}

// NewHandlers creates the endpoint handlers.
func NewHandlers(retriever *search.Retriever, store vectorstore.Store, schemas SchemaManager, embedders *embedder.Factory, router *rerank.Router, llmClient llm.LLM, cfg HandlersConfig, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		retriever: retriever,
		store:     store,
		schemas:   schemas,
		embedders: embedders,
		router:    router,
		llmClient: llmClient,
		cfg:       cfg,
		logger:    logger,
	}
}

type timeRangePayload struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type filtersPayload struct {
	SessionID  string            `json:"session_id,omitempty"`
	Type       string            `json:"type,omitempty"`
	Project    string            `json:"project,omitempty"`
	TimeRange  *timeRangePayload `json:"time_range,omitempty"`
	VTEndAfter *int64            `json:"vt_end_after,omitempty"`
}

type searchRequest struct {
	Query       string          `json:"query"`
	Limit       int             `json:"limit"`
	Threshold   *float32        `json:"threshold,omitempty"`
	Strategy    string          `json:"strategy,omitempty"`
	Rerank      bool            `json:"rerank"`
	RerankTier  string          `json:"rerank_tier,omitempty"`
	RerankDepth int             `json:"rerank_depth,omitempty"`
	Collection  string          `json:"collection,omitempty"`
	Filters     *filtersPayload `json:"filters,omitempty"`
}

type resultPayload struct {
	ID             string         `json:"id"`
	Score          float32        `json:"score"`
	FusionScore    *float32       `json:"fusion_score,omitempty"`
	RerankerScore  *float32       `json:"reranker_score,omitempty"`
	RerankTier     string         `json:"rerank_tier,omitempty"`
	Payload        map[string]any `json:"payload"`
	Degraded       bool           `json:"degraded"`
	DegradedReason string         `json:"degraded_reason,omitempty"`
}

type searchResponse struct {
	Results []resultPayload `json:"results"`
	Total   int             `json:"total"`
	TookMS  int64           `json:"took_ms"`
}

// Readiness reports whether the service can serve traffic. It never invokes
// the retriever.
func (h *Handlers) Readiness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Search executes a single retrieval.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	q, ok := h.buildQuery(w, r, req)
	if !ok {
		return
	}

	results, err := h.retriever.Search(r.Context(), q)
	if err != nil {
		h.writeSearchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSearchResponse(results, start))
}

type multiQueryRequest struct {
	searchRequest
	NumVariations   int      `json:"num_variations,omitempty"`
	Strategies      []string `json:"strategies,omitempty"`
	IncludeOriginal *bool    `json:"include_original,omitempty"`
	RRFK            int      `json:"rrf_k,omitempty"`
}

// MultiQuerySearch expands the query into variants and fuses their results.
func (h *Handlers) MultiQuerySearch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req multiQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	q, ok := h.buildQuery(w, r, req.searchRequest)
	if !ok {
		return
	}

	cfg := h.cfg.MultiQuery
	if req.NumVariations > 0 {
		cfg.NumVariations = req.NumVariations
	}
	if req.RRFK > 0 {
		cfg.RRFK = req.RRFK
	}
	if req.IncludeOriginal != nil {
		cfg.IncludeOriginal = *req.IncludeOriginal
	}
	if len(req.Strategies) > 0 {
		strategies := make([]search.ExpansionStrategy, 0, len(req.Strategies))
		for _, s := range req.Strategies {
			strategy, err := search.ParseExpansionStrategy(s)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			strategies = append(strategies, strategy)
		}
		cfg.Strategies = strategies
	}

	mq := search.NewMultiQueryRetriever(h.retriever, h.llmClient, cfg, h.logger)
	results, err := mq.Search(r.Context(), q)
	if err != nil {
		h.writeSearchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSearchResponse(results, start))
}

type sessionAwareRequest struct {
	Query           string `json:"query"`
	TopSessions     int    `json:"top_sessions,omitempty"`
	TurnsPerSession int    `json:"turns_per_session,omitempty"`
	FinalTopK       int    `json:"final_top_k,omitempty"`
	RerankTier      string `json:"rerank_tier,omitempty"`
}

// SessionAwareSearch runs two-stage hierarchical retrieval.
func (h *Handlers) SessionAwareSearch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req sessionAwareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tenant, ok := auth.TenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing tenant context")
		return
	}

	cfg := h.cfg.Session
	if req.TopSessions > 0 {
		cfg.TopSessions = req.TopSessions
	}
	if req.TurnsPerSession > 0 {
		cfg.TurnsPerSession = req.TurnsPerSession
	}
	if req.FinalTopK > 0 {
		cfg.FinalTopK = req.FinalTopK
	}

	q := search.Query{
		Text:    req.Query,
		Filters: search.Filters{TenantID: tenant.ID.String()},
	}
	if req.RerankTier != "" {
		tier, err := rerank.ParseTier(req.RerankTier)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		q.RerankTier = tier
	}

	sr := search.NewSessionRetriever(h.store, h.embedders, h.router, cfg, h.logger)
	results, err := sr.Retrieve(r.Context(), q)
	if err != nil {
		h.writeSearchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSearchResponse(results, start))
}

type embedRequest struct {
	Text         string `json:"text"`
	EmbedderType string `json:"embedder_type"`
	IsQuery      bool   `json:"is_query,omitempty"`
}

// Embed exposes the embedders directly, mostly for debugging and offline
// tooling.
func (h *Handlers) Embed(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req embedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	switch req.EmbedderType {
	case "text", "code":
		kind := embedder.KindTextDense
		if req.EmbedderType == "code" {
			kind = embedder.KindCodeDense
		}
		dense, err := h.embedders.Dense(kind)
		if err != nil {
			h.writeSearchError(w, err)
			return
		}
		var vec []float32
		if req.IsQuery {
			vec, err = dense.EmbedQuery(r.Context(), req.Text)
		} else {
			var vecs [][]float32
			vecs, err = dense.EmbedDocuments(r.Context(), []string{req.Text})
			if err == nil && len(vecs) == 1 {
				vec = vecs[0]
			}
		}
		if err != nil {
			h.writeSearchError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"embedding":  vec,
			"dimensions": len(vec),
			"took_ms":    time.Since(start).Milliseconds(),
		})

	case "sparse":
		sparse, err := h.embedders.Sparse()
		if err != nil {
			h.writeSearchError(w, err)
			return
		}
		vec, err := sparse.EmbedQuery(r.Context(), req.Text)
		if err != nil {
			h.writeSearchError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"indices":    vec.Indices,
			"values":     vec.Values,
			"dimensions": len(vec.Indices),
			"took_ms":    time.Since(start).Milliseconds(),
		})

	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown embedder_type %q", req.EmbedderType))
	}
}

type indexMemoryRequest struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// IndexMemory writes a single memory document into the memory collection.
func (h *Handlers) IndexMemory(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req indexMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "id and content are required")
		return
	}
	tenant, ok := auth.TenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing tenant context")
		return
	}

	point, err := h.buildMemoryPoint(r.Context(), tenant.ID.String(), req)
	if err != nil {
		h.writeSearchError(w, err)
		return
	}
	if err := h.store.Upsert(r.Context(), h.cfg.Collections.Memories, []vectorstore.Point{point}); err != nil {
		h.writeSearchError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      req.ID,
		"indexed": true,
		"took_ms": time.Since(start).Milliseconds(),
	})
}

// buildMemoryPoint embeds the memory content and assembles its point. The
// code field is populated only for code-typed memories.
func (h *Handlers) buildMemoryPoint(ctx context.Context, tenantID string, req indexMemoryRequest) (vectorstore.Point, error) {
	dense := make(map[string][]float32, 2)

	text, err := h.embedders.Dense(embedder.KindTextDense)
	if err != nil {
		return vectorstore.Point{}, err
	}
	textVecs, err := text.EmbedDocuments(ctx, []string{req.Content})
	if err != nil || len(textVecs) != 1 {
		return vectorstore.Point{}, fmt.Errorf("embedding memory: %w", err)
	}
	dense[vectorstore.TextDenseVector] = textVecs[0]

	if memType, _ := req.Metadata["type"].(string); memType == "code" {
		code, err := h.embedders.Dense(embedder.KindCodeDense)
		if err != nil {
			return vectorstore.Point{}, err
		}
		codeVecs, err := code.EmbedDocuments(ctx, []string{req.Content})
		if err != nil || len(codeVecs) != 1 {
			return vectorstore.Point{}, fmt.Errorf("embedding code memory: %w", err)
		}
		dense[vectorstore.CodeDenseVector] = codeVecs[0]
	}

	point := vectorstore.Point{
		ID:    indexer.PointID(req.ID),
		Dense: dense,
	}

	if sparse, err := h.embedders.Sparse(); err == nil {
		vecs, err := sparse.EmbedDocuments(ctx, []string{req.Content})
		if err == nil && len(vecs) == 1 {
			point.Sparse = map[string]vectorstore.SparseVector{vectorstore.TextSparseVector: vecs[0]}
		} else if err != nil {
			h.logger.Warn("sparse embedding failed for memory", "id", req.ID, "error", err)
		}
	}

	payload := make(map[string]any, len(req.Metadata)+3)
	for k, v := range req.Metadata {
		payload[k] = v
	}
	payload["content"] = req.Content
	payload["tenant_id"] = tenantID
	if req.SessionID != "" {
		payload["session_id"] = req.SessionID
	}
	point.Payload = payload

	return point, nil
}

type conflictRequest struct {
	Content string `json:"content"`
	Project string `json:"project,omitempty"`
}

// ConflictCandidates returns nearest-neighbor memories for deduplication
// ahead of a write.
func (h *Handlers) ConflictCandidates(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req conflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	tenant, ok := auth.TenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing tenant context")
		return
	}

	dense, err := h.embedders.Dense(embedder.KindTextDense)
	if err != nil {
		h.writeSearchError(w, err)
		return
	}
	vec, err := dense.EmbedQuery(r.Context(), req.Content)
	if err != nil {
		h.writeSearchError(w, err)
		return
	}

	threshold := conflictScoreThreshold
	points, err := h.store.Query(r.Context(), h.cfg.Collections.Memories, vectorstore.TextDenseVector, vec,
		vectorstore.Filter{TenantID: tenant.ID.String(), Project: req.Project}, conflictLimit, &threshold)
	if err != nil {
		h.writeSearchError(w, err)
		return
	}

	results := make([]search.Result, len(points))
	for i, p := range points {
		results[i] = search.Result{ID: p.ID, Score: p.Score, Payload: p.Payload}
	}
	writeJSON(w, http.StatusOK, toSearchResponse(results, start))
}

// RecreateCollection drops and recreates one of the known collections.
func (h *Handlers) RecreateCollection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var schema vectorstore.CollectionSchema
	switch name {
	case h.cfg.Collections.Memories:
		schema = vectorstore.MemorySchema(h.cfg.TextDim, h.cfg.CodeDim)
	case h.cfg.Collections.Turns:
		schema = vectorstore.TurnSchema(h.cfg.TextDim, h.cfg.MultiDim, h.cfg.ColbertEnabled)
	case h.cfg.Collections.Sessions:
		schema = vectorstore.SessionSchema(h.cfg.TextDim)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown collection %q", name))
		return
	}

	if err := h.schemas.RecreateCollection(r.Context(), name, schema); err != nil {
		h.writeSearchError(w, err)
		return
	}
	h.logger.Info("collection recreated", "collection", name)
	writeJSON(w, http.StatusOK, map[string]any{"collection": name, "recreated": true})
}

// buildQuery assembles a search.Query from the request, writing the HTTP
// error itself when validation fails.
func (h *Handlers) buildQuery(w http.ResponseWriter, r *http.Request, req searchRequest) (search.Query, bool) {
	tenant, ok := auth.TenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing tenant context")
		return search.Query{}, false
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	q := search.Query{
		Text:        req.Query,
		Limit:       limit,
		Threshold:   req.Threshold,
		Rerank:      req.Rerank,
		RerankDepth: req.RerankDepth,
		Collection:  req.Collection,
		Filters:     search.Filters{TenantID: tenant.ID.String()},
	}

	if req.Strategy != "" {
		strategy, err := search.ParseStrategy(req.Strategy)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return search.Query{}, false
		}
		q.Strategy = strategy
	}
	if req.RerankTier != "" {
		tier, err := rerank.ParseTier(req.RerankTier)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return search.Query{}, false
		}
		q.RerankTier = tier
	}
	if f := req.Filters; f != nil {
		q.Filters.SessionID = f.SessionID
		q.Filters.Type = f.Type
		q.Filters.Project = f.Project
		q.Filters.VTEndAfter = f.VTEndAfter
		if f.TimeRange != nil {
			q.Filters.TimeRange = &vectorstore.Range{Start: f.TimeRange.Start, End: f.TimeRange.End}
		}
	}

	return q, true
}

// writeSearchError maps pipeline errors onto HTTP statuses.
func (h *Handlers) writeSearchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vectorstore.ErrMissingTenant):
		writeError(w, http.StatusUnauthorized, "tenant context required")
	case errors.Is(err, search.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, embedder.ErrUnavailable):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, vectorstore.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "vector store unavailable")
	case errors.Is(err, vectorstore.ErrRejected):
		h.logger.Error("vector store rejected request", "error", err)
		writeError(w, http.StatusInternalServerError, "vector store rejected request")
	default:
		h.logger.Error("search failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func toSearchResponse(results []search.Result, start time.Time) searchResponse {
	payloads := make([]resultPayload, len(results))
	for i, res := range results {
		payloads[i] = resultPayload{
			ID:             res.ID,
			Score:          res.Score,
			FusionScore:    res.FusionScore,
			RerankerScore:  res.RerankerScore,
			RerankTier:     res.RerankTier,
			Payload:        res.Payload,
			Degraded:       res.Degraded,
			DegradedReason: res.DegradedReason,
		}
	}
	return searchResponse{
		Results: payloads,
		Total:   len(payloads),
		TookMS:  time.Since(start).Milliseconds(),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
