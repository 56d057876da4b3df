package indexer

import (
	"context"
	"errors"
	"testing"

	"github.com/observatory/memsearch/internal/embedder"
	"github.com/observatory/memsearch/internal/vectorstore"
)

type upsertCall struct {
	collection string
	points     []vectorstore.Point
}

type fakeStore struct {
	err     error
	upserts []upsertCall
}

func (s *fakeStore) Upsert(ctx context.Context, collection string, points []vectorstore.Point) error {
	s.upserts = append(s.upserts, upsertCall{collection, points})
	return s.err
}

func (s *fakeStore) Query(ctx context.Context, collection, vectorName string, vector []float32, filter vectorstore.Filter, limit int, scoreThreshold *float32) ([]vectorstore.ScoredPoint, error) {
	return nil, nil
}

func (s *fakeStore) QuerySparse(ctx context.Context, collection, field string, vector vectorstore.SparseVector, filter vectorstore.Filter, limit int, scoreThreshold *float32) ([]vectorstore.ScoredPoint, error) {
	return nil, nil
}

func (s *fakeStore) Fuse(ctx context.Context, collection string, prefetches []vectorstore.Prefetch, filter vectorstore.Filter, limit int) ([]vectorstore.ScoredPoint, error) {
	return nil, nil
}

var _ vectorstore.Store = (*fakeStore)(nil)

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

func testIndexer(store vectorstore.Store, sparseEnabled bool) *Indexer {
	factory := embedder.NewFactory(embedder.FactoryConfig{
		SparseEnabled: sparseEnabled,
		SparseWorkers: 2,
	}, embedder.WithDenseBuilder(func(embedder.OllamaConfig) embedder.Dense {
		return fakeDense{}
	}))
	return New(store, factory, "turns", quietLogger())
}

func TestIndexDocuments_PointShape(t *testing.T) {
	store := &fakeStore{}
	ix := testIndexer(store, true)

	doc := Document{
		ID:        "turn-42",
		Content:   TurnContent("fix it", "done", ""),
		TenantID:  "t1",
		SessionID: "s1",
		Metadata:  map[string]any{"type": "turn", "has_reasoning": false},
	}

	if got := ix.IndexDocuments(context.Background(), []Document{doc}); got != 1 {
		t.Fatalf("expected 1 indexed, got %d", got)
	}

	if len(store.upserts) != 1 {
		t.Fatalf("expected one upsert, got %d", len(store.upserts))
	}
	call := store.upserts[0]
	if call.collection != "turns" {
		t.Errorf("expected turns collection, got %s", call.collection)
	}

	p := call.points[0]
	if p.ID == "turn-42" {
		t.Error("non-UUID id should be hashed")
	}
	if _, ok := p.Dense[vectorstore.TurnDenseVector]; !ok {
		t.Error("missing turn dense vector")
	}
	if _, ok := p.Sparse[vectorstore.TurnSparseVector]; !ok {
		t.Error("missing turn sparse vector")
	}
	if p.Multi != nil {
		t.Error("multi vectors should be absent without an encoder endpoint")
	}

	if p.Payload["content"] != "User: fix it\n\nAssistant: done" {
		t.Errorf("unexpected content payload: %q", p.Payload["content"])
	}
	if p.Payload["tenant_id"] != "t1" || p.Payload["session_id"] != "s1" {
		t.Errorf("tenant/session payload wrong: %+v", p.Payload)
	}
	if p.Payload["type"] != "turn" || p.Payload["has_reasoning"] != false {
		t.Errorf("metadata not carried: %+v", p.Payload)
	}
}

func TestIndexDocuments_SparseDisabled(t *testing.T) {
	store := &fakeStore{}
	ix := testIndexer(store, false)

	if got := ix.IndexDocuments(context.Background(), []Document{{ID: "a", Content: "hello world", TenantID: "t1"}}); got != 1 {
		t.Fatalf("expected 1 indexed, got %d", got)
	}
	if p := store.upserts[0].points[0]; p.Sparse != nil {
		t.Errorf("expected no sparse vectors, got %+v", p.Sparse)
	}
}

func TestIndexDocuments_Empty(t *testing.T) {
	store := &fakeStore{}
	ix := testIndexer(store, true)

	if got := ix.IndexDocuments(context.Background(), nil); got != 0 {
		t.Errorf("expected 0 for empty batch, got %d", got)
	}
	if len(store.upserts) != 0 {
		t.Error("empty batch should not upsert")
	}
}

func TestIndexDocuments_UpsertFailureDropsBatch(t *testing.T) {
	store := &fakeStore{err: errors.New("store down")}
	ix := testIndexer(store, true)

	if got := ix.IndexDocuments(context.Background(), []Document{{ID: "a", Content: "hello", TenantID: "t1"}}); got != 0 {
		t.Errorf("expected 0 on upsert failure, got %d", got)
	}
}

func TestPointID(t *testing.T) {
	const valid = "0b9c4aa1-3f63-4a34-8d1c-31a9d2f5c001"
	if got := PointID(valid); got != valid {
		t.Errorf("UUID ids pass through, got %s", got)
	}

	hashed := PointID("turn-42")
	if hashed == "turn-42" {
		t.Error("expected non-UUID id to be hashed")
	}
	if PointID("turn-42") != hashed {
		t.Error("hashing must be deterministic")
	}
	if PointID("turn-43") == hashed {
		t.Error("distinct ids must hash differently")
	}
}
