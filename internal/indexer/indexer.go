package indexer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/observatory/memsearch/internal/embedder"
	"github.com/observatory/memsearch/internal/vectorstore"
)

// Indexer embeds document batches and upserts them as multi-vector points.
// Dense embeddings are mandatory; sparse and late-interaction vectors are
// attached only when their encoders are enabled.
type Indexer struct {
	store      vectorstore.Store
	embedders  *embedder.Factory
	collection string
	logger     *slog.Logger
}

// New creates an indexer writing to the given turn collection.
func New(store vectorstore.Store, embedders *embedder.Factory, collection string, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		store:      store,
		embedders:  embedders,
		collection: collection,
		logger:     logger,
	}
}

// IndexDocuments embeds and upserts a batch in one store call and returns
// the number of points written. Failures are logged and return 0: the batch
// is dropped here, redelivery is the stream consumer's policy.
func (ix *Indexer) IndexDocuments(ctx context.Context, docs []Document) int {
	if len(docs) == 0 {
		return 0
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}

	var (
		dense  [][]float32
		sparse []vectorstore.SparseVector
		multi  [][][]float32
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e, err := ix.embedders.Dense(embedder.KindTextDense)
		if err != nil {
			return err
		}
		dense, err = e.EmbedDocuments(gctx, texts)
		return err
	})
	g.Go(func() error {
		e, err := ix.embedders.Sparse()
		if errors.Is(err, embedder.ErrUnavailable) {
			return nil
		}
		if err != nil {
			return err
		}
		vecs, err := e.EmbedDocuments(gctx, texts)
		if err != nil {
			// Sparse is an enrichment; the batch still indexes densely.
			ix.logger.Warn("sparse embedding failed, indexing without sparse vectors", "error", err)
			return nil
		}
		sparse = vecs
		return nil
	})
	g.Go(func() error {
		e, err := ix.embedders.Multi()
		if errors.Is(err, embedder.ErrUnavailable) {
			return nil
		}
		if err != nil {
			return err
		}
		vecs, err := e.EmbedDocuments(gctx, texts)
		if err != nil {
			ix.logger.Warn("multi-vector embedding failed, indexing without late-interaction vectors", "error", err)
			return nil
		}
		multi = vecs
		return nil
	})
	if err := g.Wait(); err != nil {
		ix.logger.Error("embedding batch failed", "count", len(docs), "error", err)
		return 0
	}
	if len(dense) != len(docs) {
		ix.logger.Error("dense embedding count mismatch", "want", len(docs), "got", len(dense))
		return 0
	}

	points := make([]vectorstore.Point, len(docs))
	for i, d := range docs {
		p := vectorstore.Point{
			ID:      PointID(d.ID),
			Dense:   map[string][]float32{vectorstore.TurnDenseVector: dense[i]},
			Payload: buildPayload(d),
		}
		if sparse != nil {
			p.Sparse = map[string]vectorstore.SparseVector{vectorstore.TurnSparseVector: sparse[i]}
		}
		if multi != nil {
			p.Multi = map[string][][]float32{vectorstore.TurnColbertVector: multi[i]}
		}
		points[i] = p
	}

	if err := ix.store.Upsert(ctx, ix.collection, points); err != nil {
		ix.logger.Error("upsert failed, dropping batch", "collection", ix.collection, "count", len(points), "error", err)
		return 0
	}
	return len(points)
}

// PointID maps a document id onto a store id. Non-UUID ids are hashed into
// a deterministic UUID so re-indexing the same document replaces its point.
func PointID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func buildPayload(d Document) map[string]any {
	payload := make(map[string]any, len(d.Metadata)+3)
	for k, v := range d.Metadata {
		payload[k] = v
	}
	payload["content"] = d.Content
	payload["tenant_id"] = d.TenantID
	if d.SessionID != "" {
		payload["session_id"] = d.SessionID
	}
	return payload
}
