package embedder

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type countingDense struct {
	model string
}

func (d *countingDense) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{1}, nil
}

func (d *countingDense) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)), nil
}

func (d *countingDense) Dimension() int { return 1 }

func (d *countingDense) ModelName() string { return d.model }

func TestFactory_DenseSharedAcrossCallers(t *testing.T) {
	builds := 0
	f := NewFactory(FactoryConfig{
		Text: OllamaConfig{Model: "text-model"},
	}, WithDenseBuilder(func(cfg OllamaConfig) Dense {
		builds++
		return &countingDense{model: cfg.Model}
	}))

	var wg sync.WaitGroup
	instances := make([]Dense, 8)
	for i := range instances {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := f.Dense(KindTextDense)
			if err != nil {
				t.Errorf("dense failed: %v", err)
				return
			}
			instances[i] = e
		}()
	}
	wg.Wait()

	if builds != 1 {
		t.Errorf("expected a single construction, got %d", builds)
	}
	for i := 1; i < len(instances); i++ {
		if instances[i] != instances[0] {
			t.Errorf("caller %d got a different instance", i)
		}
	}
}

func TestFactory_TextAndCodeAreDistinct(t *testing.T) {
	f := NewFactory(FactoryConfig{
		Text: OllamaConfig{Model: "text-model"},
		Code: OllamaConfig{Model: "code-model"},
	}, WithDenseBuilder(func(cfg OllamaConfig) Dense {
		return &countingDense{model: cfg.Model}
	}))

	text, _ := f.Dense(KindTextDense)
	code, _ := f.Dense(KindCodeDense)
	if text.ModelName() != "text-model" || code.ModelName() != "code-model" {
		t.Errorf("kinds mixed up: %s, %s", text.ModelName(), code.ModelName())
	}
}

func TestFactory_InvalidDenseKind(t *testing.T) {
	f := NewFactory(FactoryConfig{})

	if _, err := f.Dense(Kind("sparse")); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable for non-dense kind, got %v", err)
	}
}

func TestFactory_SparseDisabled(t *testing.T) {
	f := NewFactory(FactoryConfig{})

	if _, err := f.Sparse(); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}

	enabled := NewFactory(FactoryConfig{SparseEnabled: true})
	if _, err := enabled.Sparse(); err != nil {
		t.Errorf("expected sparse encoder, got %v", err)
	}
}

func TestFactory_MultiWithoutEndpoint(t *testing.T) {
	f := NewFactory(FactoryConfig{})

	if _, err := f.Multi(); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable without endpoint, got %v", err)
	}
}

type fixedMulti struct{}

func (fixedMulti) EmbedQuery(context.Context, string) ([][]float32, error) {
	return [][]float32{{1, 0}}, nil
}

func (fixedMulti) EmbedDocuments(_ context.Context, texts []string) ([][][]float32, error) {
	return make([][][]float32, len(texts)), nil
}

func (fixedMulti) Dimension() int { return 2 }

func TestFactory_MultiBuilderOverride(t *testing.T) {
	f := NewFactory(FactoryConfig{
		MultiVector: HTTPMultiVectorConfig{BaseURL: "http://localhost:9999"},
	}, WithMultiVectorBuilder(func(HTTPMultiVectorConfig) (MultiVector, error) {
		return fixedMulti{}, nil
	}))

	m, err := f.Multi()
	if err != nil {
		t.Fatalf("multi failed: %v", err)
	}
	vecs, err := m.EmbedQuery(context.Background(), "q")
	if err != nil || len(vecs) != 1 {
		t.Errorf("unexpected multi result: %v, %v", vecs, err)
	}
}
