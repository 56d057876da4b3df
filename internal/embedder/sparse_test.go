package embedder

import (
	"context"
	"reflect"
	"sort"
	"testing"
)

func TestSparseEncoder_SortedIndices(t *testing.T) {
	e := NewSparseEncoder(2)

	vec, err := e.EmbedQuery(context.Background(), "kubernetes pod eviction policy kubernetes")
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	if len(vec.Indices) == 0 {
		t.Fatal("expected non-empty vector")
	}
	if len(vec.Indices) != len(vec.Values) {
		t.Fatalf("indices/values length mismatch: %d vs %d", len(vec.Indices), len(vec.Values))
	}
	if !sort.SliceIsSorted(vec.Indices, func(i, j int) bool { return vec.Indices[i] < vec.Indices[j] }) {
		t.Errorf("indices not sorted ascending: %v", vec.Indices)
	}
}

func TestSparseEncoder_DropsStopwordsAndShortTokens(t *testing.T) {
	e := NewSparseEncoder(2)

	vec, err := e.EmbedQuery(context.Background(), "the a of x y z")
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	if len(vec.Indices) != 0 {
		t.Errorf("expected empty vector for stopwords and single chars, got %d terms", len(vec.Indices))
	}
}

func TestSparseEncoder_TermFrequencySaturates(t *testing.T) {
	e := NewSparseEncoder(2)

	once, _ := e.EmbedQuery(context.Background(), "eviction")
	many, _ := e.EmbedQuery(context.Background(), "eviction eviction eviction eviction eviction eviction eviction eviction")

	if len(once.Values) != 1 || len(many.Values) != 1 {
		t.Fatal("expected single-term vectors")
	}
	if many.Values[0] <= once.Values[0] {
		t.Errorf("repeated term should weigh more: %v vs %v", many.Values[0], once.Values[0])
	}
	// Saturation: the weight approaches k1+1 but never reaches it.
	if many.Values[0] >= bm25K1+1 {
		t.Errorf("weight %v should saturate below %v", many.Values[0], bm25K1+1)
	}
}

func TestSparseEncoder_CaseAndPunctuationInsensitive(t *testing.T) {
	e := NewSparseEncoder(2)

	a, _ := e.EmbedQuery(context.Background(), "Pod Eviction!")
	b, _ := e.EmbedQuery(context.Background(), "pod, eviction")
	if !reflect.DeepEqual(a, b) {
		t.Errorf("encoding should normalize case and punctuation: %v vs %v", a, b)
	}
}

func TestSparseEncoder_BatchPreservesOrder(t *testing.T) {
	e := NewSparseEncoder(2)

	texts := []string{"alpha beta", "gamma delta", "epsilon zeta"}
	batch, err := e.EmbedDocuments(context.Background(), texts)
	if err != nil {
		t.Fatalf("batch embed failed: %v", err)
	}
	if len(batch) != len(texts) {
		t.Fatalf("expected %d vectors, got %d", len(texts), len(batch))
	}
	for i, text := range texts {
		single, _ := e.EmbedQuery(context.Background(), text)
		if !reflect.DeepEqual(batch[i], single) {
			t.Errorf("batch position %d does not match single encoding of %q", i, text)
		}
	}
}

func TestSparseEncoder_BatchHonorsCancellation(t *testing.T) {
	e := NewSparseEncoder(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	texts := make([]string, 100)
	for i := range texts {
		texts[i] = "some document text"
	}
	if _, err := e.EmbedDocuments(ctx, texts); err == nil {
		t.Error("expected cancellation error")
	}
}
