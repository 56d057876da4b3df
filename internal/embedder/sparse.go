package embedder

import (
	"context"
	"hash/fnv"
	"sort"
	"strings"
	"unicode"

	"github.com/observatory/memsearch/internal/vectorstore"
)

// bm25K1 saturates term frequency; document-length normalization is left to
// the store-side IDF modifier on the sparse index.
const bm25K1 = 1.2

// DefaultSparseWorkers bounds concurrent document encodings. Term weighting
// is pure CPU work, so the pool keeps large batches from monopolizing the
// scheduler.
const DefaultSparseWorkers = 4

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "in": {}, "is": {}, "it": {},
	"its": {}, "of": {}, "on": {}, "or": {}, "that": {}, "the": {}, "to": {},
	"was": {}, "were": {}, "will": {}, "with": {},
}

// SparseEncoder produces BM25-style term-weight vectors locally. Terms are
// hashed to 32-bit indices so the vocabulary never needs to be shared with
// the store.
type SparseEncoder struct {
	workers chan struct{}
}

// NewSparseEncoder creates a sparse encoder with a bounded worker pool.
func NewSparseEncoder(workers int) *SparseEncoder {
	if workers <= 0 {
		workers = DefaultSparseWorkers
	}
	return &SparseEncoder{workers: make(chan struct{}, workers)}
}

// EmbedQuery encodes a single query text.
func (e *SparseEncoder) EmbedQuery(_ context.Context, text string) (vectorstore.SparseVector, error) {
	return encodeSparse(text), nil
}

// EmbedDocuments encodes a batch of documents on the worker pool.
// Output order matches input order.
func (e *SparseEncoder) EmbedDocuments(ctx context.Context, texts []string) ([]vectorstore.SparseVector, error) {
	results := make([]vectorstore.SparseVector, len(texts))
	done := make(chan int, len(texts))

	for i, text := range texts {
		select {
		case e.workers <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		go func(idx int, t string) {
			defer func() { <-e.workers }()
			results[idx] = encodeSparse(t)
			done <- idx
		}(i, text)
	}

	for range texts {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return results, nil
}

// encodeSparse tokenizes text and produces saturated term-frequency weights
// keyed by hashed term index, sorted by index ascending.
func encodeSparse(text string) vectorstore.SparseVector {
	counts := make(map[uint32]float32)
	for _, term := range tokenizeSparse(text) {
		counts[hashTerm(term)]++
	}

	indices := make([]uint32, 0, len(counts))
	for idx := range counts {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	values := make([]float32, len(indices))
	for i, idx := range indices {
		tf := counts[idx]
		values[i] = tf * (bm25K1 + 1) / (tf + bm25K1)
	}

	return vectorstore.SparseVector{Indices: indices, Values: values}
}

// tokenizeSparse lowercases and splits on non-alphanumeric runes, dropping
// stopwords and single-character tokens.
func tokenizeSparse(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, ok := stopwords[f]; ok {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

func hashTerm(term string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(term))
	return h.Sum32()
}

// Ensure SparseEncoder implements Sparse interface.
var _ Sparse = (*SparseEncoder)(nil)
