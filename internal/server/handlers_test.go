package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/observatory/memsearch/internal/auth"
	"github.com/observatory/memsearch/internal/embedder"
	"github.com/observatory/memsearch/internal/rerank"
	"github.com/observatory/memsearch/internal/search"
	"github.com/observatory/memsearch/internal/vectorstore"
)

type fakeStore struct {
	points     []vectorstore.ScoredPoint
	queryErr   error
	upserts    int
	recreated  []string
	lastFilter vectorstore.Filter
}

func (s *fakeStore) Upsert(ctx context.Context, collection string, points []vectorstore.Point) error {
	s.upserts += len(points)
	return nil
}

func (s *fakeStore) Query(ctx context.Context, collection, vectorName string, vector []float32, filter vectorstore.Filter, limit int, scoreThreshold *float32) ([]vectorstore.ScoredPoint, error) {
	s.lastFilter = filter
	return s.points, s.queryErr
}

func (s *fakeStore) QuerySparse(ctx context.Context, collection, field string, vector vectorstore.SparseVector, filter vectorstore.Filter, limit int, scoreThreshold *float32) ([]vectorstore.ScoredPoint, error) {
	return s.points, s.queryErr
}

func (s *fakeStore) Fuse(ctx context.Context, collection string, prefetches []vectorstore.Prefetch, filter vectorstore.Filter, limit int) ([]vectorstore.ScoredPoint, error) {
	s.lastFilter = filter
	return s.points, s.queryErr
}

func (s *fakeStore) RecreateCollection(ctx context.Context, name string, schema vectorstore.CollectionSchema) error {
	s.recreated = append(s.recreated, name)
	return nil
}

var (
	_ vectorstore.Store = (*fakeStore)(nil)
	_ SchemaManager     = (*fakeStore)(nil)
)

type fakeDense struct{}

func (fakeDense) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, nil
}

func (fakeDense) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func (fakeDense) Dimension() int { return 2 }

func (fakeDense) ModelName() string { return "fake" }

func testHandlers(store *fakeStore, sparseEnabled bool) *Handlers {
	logger := slog.New(slog.DiscardHandler)
	factory := embedder.NewFactory(embedder.FactoryConfig{
		SparseEnabled: sparseEnabled,
		SparseWorkers: 2,
	}, embedder.WithDenseBuilder(func(embedder.OllamaConfig) embedder.Dense {
		return fakeDense{}
	}))
	router := rerank.NewRouter(rerank.RouterConfig{}, factory, logger)
	retriever := search.NewRetriever(store, factory, router, search.RetrieverConfig{
		Collection:      "memories",
		DefaultStrategy: search.StrategyHybrid,
	}, logger)
	return NewHandlers(retriever, store, store, factory, router, nil, HandlersConfig{
		Collections: Collections{Memories: "memories", Turns: "turns", Sessions: "sessions"},
		TextDim:     2,
		CodeDim:     2,
		MultiDim:    2,
	}, logger)
}

func authedRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(body)
	req := httptest.NewRequest(method, target, &buf)
	tenant := &auth.TenantInfo{ID: uuid.MustParse("0b9c4aa1-3f63-4a34-8d1c-31a9d2f5c001"), Name: "acme"}
	return req.WithContext(auth.WithTenant(req.Context(), tenant))
}

func TestSearchHandler(t *testing.T) {
	store := &fakeStore{points: []vectorstore.ScoredPoint{
		{ID: "m1", Score: 0.9, Payload: map[string]any{"content": "hit"}},
	}}
	h := testHandlers(store, true)

	req := authedRequest(http.MethodPost, "/v1/search/query", map[string]any{
		"query":    "kubernetes pod eviction",
		"limit":    5,
		"strategy": "dense",
	})
	rec := httptest.NewRecorder()
	h.Search(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp searchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Total != 1 || resp.Results[0].ID != "m1" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if store.lastFilter.TenantID != "0b9c4aa1-3f63-4a34-8d1c-31a9d2f5c001" {
		t.Errorf("tenant not propagated: %+v", store.lastFilter)
	}
}

func TestSearchHandler_MissingTenant(t *testing.T) {
	h := testHandlers(&fakeStore{}, true)

	body := bytes.NewBufferString(`{"query": "q"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/search/query", body)
	rec := httptest.NewRecorder()
	h.Search(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestSearchHandler_BadRequests(t *testing.T) {
	h := testHandlers(&fakeStore{}, true)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"unknown strategy", `{"query": "q", "strategy": "psychic"}`},
		{"unknown tier", `{"query": "q", "rerank_tier": "psychic"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/search/query", bytes.NewBufferString(tt.body))
			tenant := &auth.TenantInfo{ID: uuid.New()}
			req = req.WithContext(auth.WithTenant(req.Context(), tenant))

			rec := httptest.NewRecorder()
			h.Search(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestSearchHandler_StoreUnavailable(t *testing.T) {
	store := &fakeStore{queryErr: fmt.Errorf("%w: query: connection refused", vectorstore.ErrUnavailable)}
	h := testHandlers(store, true)

	req := authedRequest(http.MethodPost, "/v1/search/query", map[string]any{
		"query": "q", "strategy": "dense",
	})
	rec := httptest.NewRecorder()
	h.Search(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestEmbedHandler_Sparse(t *testing.T) {
	h := testHandlers(&fakeStore{}, true)

	req := authedRequest(http.MethodPost, "/v1/search/embed", map[string]any{
		"text": "kubernetes eviction", "embedder_type": "sparse",
	})
	rec := httptest.NewRecorder()
	h.Embed(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Indices []uint32 `json:"indices"`
		Values  []float32
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Indices) == 0 {
		t.Error("expected non-empty sparse vector")
	}
}

func TestEmbedHandler_SparseDisabled(t *testing.T) {
	h := testHandlers(&fakeStore{}, false)

	req := authedRequest(http.MethodPost, "/v1/search/embed", map[string]any{
		"text": "q", "embedder_type": "sparse",
	})
	rec := httptest.NewRecorder()
	h.Embed(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for disabled encoder, got %d", rec.Code)
	}
}

func TestEmbedHandler_UnknownType(t *testing.T) {
	h := testHandlers(&fakeStore{}, true)

	req := authedRequest(http.MethodPost, "/v1/search/embed", map[string]any{
		"text": "q", "embedder_type": "psychic",
	})
	rec := httptest.NewRecorder()
	h.Embed(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestIndexMemoryHandler(t *testing.T) {
	store := &fakeStore{}
	h := testHandlers(store, true)

	req := authedRequest(http.MethodPost, "/v1/search/index-memory", map[string]any{
		"id":      "memory-1",
		"content": "the scheduler restarts on SIGHUP",
		"metadata": map[string]any{
			"type": "insight",
		},
	})
	rec := httptest.NewRecorder()
	h.IndexMemory(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if store.upserts != 1 {
		t.Errorf("expected one upserted point, got %d", store.upserts)
	}
}

func TestIndexMemoryHandler_RequiresFields(t *testing.T) {
	h := testHandlers(&fakeStore{}, true)

	req := authedRequest(http.MethodPost, "/v1/search/index-memory", map[string]any{"id": "x"})
	rec := httptest.NewRecorder()
	h.IndexMemory(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without content, got %d", rec.Code)
	}
}

func TestConflictCandidatesHandler(t *testing.T) {
	store := &fakeStore{points: []vectorstore.ScoredPoint{
		{ID: "m1", Score: 0.8, Payload: map[string]any{"content": "near duplicate"}},
	}}
	h := testHandlers(store, true)

	req := authedRequest(http.MethodPost, "/v1/search/conflict-candidates", map[string]any{
		"content": "a new memory", "project": "memsearch",
	})
	rec := httptest.NewRecorder()
	h.ConflictCandidates(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if store.lastFilter.Project != "memsearch" {
		t.Errorf("project filter not applied: %+v", store.lastFilter)
	}
	var resp searchResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 1 {
		t.Errorf("expected one candidate, got %d", resp.Total)
	}
}

func TestRecreateCollectionHandler(t *testing.T) {
	store := &fakeStore{}
	h := testHandlers(store, true)

	recreate := func(name string) *httptest.ResponseRecorder {
		req := authedRequest(http.MethodPost, "/v1/admin/collections/"+name+"/recreate", nil)
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("name", name)
		req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
		rec := httptest.NewRecorder()
		h.RecreateCollection(rec, req)
		return rec
	}

	if rec := recreate("turns"); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(store.recreated) != 1 || store.recreated[0] != "turns" {
		t.Errorf("recreate not invoked: %v", store.recreated)
	}

	if rec := recreate("unknown"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown collection, got %d", rec.Code)
	}
}
