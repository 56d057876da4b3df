// Package vectorstore provides a narrow facade over the vector database.
//
// The core never talks to Qdrant directly; everything goes through the four
// Store operations so that retrieval logic stays testable against fakes.
package vectorstore

import (
	"context"
	"errors"
)

// Vector field names for the memory collection.
const (
	TextDenseVector  = "text_dense"
	CodeDenseVector  = "code_dense"
	TextSparseVector = "text_sparse"
	TextColbertVector = "text_colbert"
)

// Vector field names for the turn collection. The turn_* family never mixes
// with the text_*/code_* family.
const (
	TurnDenseVector   = "turn_dense"
	TurnSparseVector  = "turn_sparse"
	TurnColbertVector = "turn_colbert"
)

var (
	// ErrUnavailable indicates the vector store could not be reached.
	// Callers may retry; the store itself never does.
	ErrUnavailable = errors.New("vector store unavailable")

	// ErrRejected indicates the vector store rejected the request
	// (bad filter, unknown collection or vector name).
	ErrRejected = errors.New("vector store rejected request")

	// ErrMissingTenant is returned when a filter without a tenant reaches
	// the store. Every search carries a tenant equality condition.
	ErrMissingTenant = errors.New("filter is missing tenant_id")
)

// SparseVector is a term-weight map encoded as parallel index/value slices.
type SparseVector struct {
	Indices []uint32
	Values  []float32
}

// Range is an inclusive numeric range over a payload field.
type Range struct {
	Start int64
	End   int64
}

// Filter is the conjunction of payload conditions attached to every search.
// TenantID is mandatory; all other fields are optional.
type Filter struct {
	TenantID   string
	SessionID  string
	Type       string
	Project    string
	TimeRange  *Range // timestamp in [Start, End]
	VTEndAfter *int64 // vt_end strictly greater than
}

// Point is an indexed point: identifier, named vectors, payload.
type Point struct {
	ID      string
	Dense   map[string][]float32
	Sparse  map[string]SparseVector
	Multi   map[string][][]float32
	Payload map[string]any
}

// ScoredPoint is a ranked point returned from a search.
type ScoredPoint struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// Prefetch is one branch of a server-side fusion query.
type Prefetch struct {
	VectorName string
	Dense      []float32
	Sparse     *SparseVector
	Limit      int
}

// Store is the interface the retrieval core requires from the vector store.
//
// Collection and vector names are always passed positionally; the store
// never infers them. All operations fail with ErrUnavailable or ErrRejected.
type Store interface {
	// Upsert creates or replaces points in a collection.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Query runs single-vector dense retrieval against a named vector.
	Query(ctx context.Context, collection, vectorName string, vector []float32, filter Filter, limit int, scoreThreshold *float32) ([]ScoredPoint, error)

	// QuerySparse runs lexical retrieval against a named sparse field.
	QuerySparse(ctx context.Context, collection, field string, vector SparseVector, filter Filter, limit int, scoreThreshold *float32) ([]ScoredPoint, error)

	// Fuse runs server-side RRF over the prefetch branches. Rank-derived
	// scores are returned; no score threshold applies.
	Fuse(ctx context.Context, collection string, prefetches []Prefetch, filter Filter, limit int) ([]ScoredPoint, error)
}
