package rerank

import (
	"context"
	"fmt"

	"github.com/observatory/memsearch/internal/embedder"
)

// ColbertReranker scores candidates with late interaction: per-token query
// and document embeddings compared with MaxSim. It trades cross-encoder
// accuracy for much better scaling on longer candidate lists.
type ColbertReranker struct {
	encoder embedder.MultiVector
}

// NewColbertReranker creates a late-interaction reranker over the given
// multi-vector encoder.
func NewColbertReranker(encoder embedder.MultiVector) *ColbertReranker {
	return &ColbertReranker{encoder: encoder}
}

// Rerank embeds the query and all candidates and scores each candidate by
// MaxSim: for every query token, the best-matching document token dot
// product, summed over query tokens.
func (r *ColbertReranker) Rerank(ctx context.Context, query string, docs []Document) ([]Scored, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	queryVecs, err := r.encoder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	docVecs, err := r.encoder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding documents: %w", err)
	}
	if len(docVecs) != len(docs) {
		return nil, fmt.Errorf("encoder returned %d matrices for %d documents", len(docVecs), len(docs))
	}

	scored := make([]Scored, len(docs))
	for i, d := range docs {
		scored[i] = Scored{Index: d.Index, Score: maxSim(queryVecs, docVecs[i])}
	}
	return scored, nil
}

// maxSim computes the late-interaction similarity between a query token
// matrix and a document token matrix.
func maxSim(query, doc [][]float32) float32 {
	if len(query) == 0 || len(doc) == 0 {
		return 0
	}
	var total float32
	for _, q := range query {
		best := float32(0)
		for j, d := range doc {
			s := dot(q, d)
			if j == 0 || s > best {
				best = s
			}
		}
		total += best
	}
	return total / float32(len(query))
}

func dot(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float32
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Ensure ColbertReranker implements Model interface.
var _ Model = (*ColbertReranker)(nil)
