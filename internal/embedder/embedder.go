// Package embedder provides the embedding models behind retrieval: dense
// semantic embedders, a sparse lexical encoder, and an optional
// late-interaction (multi-vector) encoder, all handed out by a lazy factory.
package embedder

import (
	"context"
	"errors"

	"github.com/observatory/memsearch/internal/vectorstore"
)

// Kind names an embedder the factory can hand out.
type Kind string

const (
	KindTextDense   Kind = "text_dense"
	KindCodeDense   Kind = "code_dense"
	KindSparse      Kind = "sparse"
	KindMultiVector Kind = "multi_vector"
)

// ErrUnavailable is returned by the factory when a kind is disabled or its
// backing model cannot be constructed. Callers pick an alternative strategy
// or turn the code path off.
var ErrUnavailable = errors.New("embedder not available")

// Dense generates fixed-length embedding vectors.
type Dense interface {
	// EmbedQuery generates an embedding for a single query text.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedDocuments generates embeddings for a batch of documents.
	// Output order matches input order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the dimensionality of the embedding vectors.
	Dimension() int

	// ModelName returns the name of the embedding model being used.
	ModelName() string
}

// Sparse generates term-weight maps for lexical retrieval.
type Sparse interface {
	EmbedQuery(ctx context.Context, text string) (vectorstore.SparseVector, error)
	EmbedDocuments(ctx context.Context, texts []string) ([]vectorstore.SparseVector, error)
}

// MultiVector generates per-token embedding matrices for late interaction.
type MultiVector interface {
	EmbedQuery(ctx context.Context, text string) ([][]float32, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][][]float32, error)
	Dimension() int
}
