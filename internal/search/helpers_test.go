package search

import (
	"context"
	"log/slog"
	"testing"

	"github.com/observatory/memsearch/internal/embedder"
	"github.com/observatory/memsearch/internal/vectorstore"
)

// fakeDense is a deterministic stand-in for the Ollama embedder.
type fakeDense struct {
	model string
}

func (f *fakeDense) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1, 0, 0}, nil
}

func (f *fakeDense) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1, 0, 0}
	}
	return out, nil
}

func (f *fakeDense) Dimension() int { return 4 }

func (f *fakeDense) ModelName() string { return f.model }

type queryCall struct {
	collection string
	vectorName string
	filter     vectorstore.Filter
	limit      int
	threshold  *float32
}

type fuseCall struct {
	collection string
	prefetches []vectorstore.Prefetch
	filter     vectorstore.Filter
	limit      int
}

// fakeStore records calls and returns canned points.
type fakeStore struct {
	points      []vectorstore.ScoredPoint
	err         error
	queryCalls  []queryCall
	sparseCalls []queryCall
	fuseCalls   []fuseCall

	// queryByFilter overrides points per session id, used by session tests.
	queryBySession map[string][]vectorstore.ScoredPoint
	failSessions   map[string]error
}

func (s *fakeStore) Upsert(ctx context.Context, collection string, points []vectorstore.Point) error {
	return s.err
}

func (s *fakeStore) Query(ctx context.Context, collection, vectorName string, vector []float32, filter vectorstore.Filter, limit int, scoreThreshold *float32) ([]vectorstore.ScoredPoint, error) {
	s.queryCalls = append(s.queryCalls, queryCall{collection, vectorName, filter, limit, scoreThreshold})
	if s.failSessions != nil {
		if err, ok := s.failSessions[filter.SessionID]; ok {
			return nil, err
		}
	}
	if s.queryBySession != nil && filter.SessionID != "" {
		return s.queryBySession[filter.SessionID], s.err
	}
	return s.points, s.err
}

func (s *fakeStore) QuerySparse(ctx context.Context, collection, field string, vector vectorstore.SparseVector, filter vectorstore.Filter, limit int, scoreThreshold *float32) ([]vectorstore.ScoredPoint, error) {
	s.sparseCalls = append(s.sparseCalls, queryCall{collection, field, filter, limit, scoreThreshold})
	return s.points, s.err
}

func (s *fakeStore) Fuse(ctx context.Context, collection string, prefetches []vectorstore.Prefetch, filter vectorstore.Filter, limit int) ([]vectorstore.ScoredPoint, error) {
	s.fuseCalls = append(s.fuseCalls, fuseCall{collection, prefetches, filter, limit})
	return s.points, s.err
}

var _ vectorstore.Store = (*fakeStore)(nil)

// testFactory builds an embedder factory with deterministic fakes.
func testFactory(t *testing.T, sparseEnabled bool) *embedder.Factory {
	t.Helper()
	return embedder.NewFactory(embedder.FactoryConfig{
		SparseEnabled: sparseEnabled,
		SparseWorkers: 2,
	}, embedder.WithDenseBuilder(func(cfg embedder.OllamaConfig) embedder.Dense {
		return &fakeDense{model: cfg.Model}
	}))
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func ptr[T any](v T) *T { return &v }
