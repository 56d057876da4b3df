package embedder

import (
	"context"
	"fmt"
	"sync"
)

// FactoryConfig configures which embedder kinds exist and how they are built.
type FactoryConfig struct {
	// Text is the configuration for the text_dense embedder.
	Text OllamaConfig

	// Code is the configuration for the code_dense embedder.
	Code OllamaConfig

	// SparseEnabled turns the sparse lexical encoder on.
	SparseEnabled bool

	// SparseWorkers bounds the sparse encoder worker pool.
	SparseWorkers int

	// MultiVector is the late-interaction encoder endpoint. An empty
	// BaseURL leaves the kind disabled.
	MultiVector HTTPMultiVectorConfig

	// QueryCacheSize is the LRU capacity for cached query embeddings.
	QueryCacheSize int
}

// Factory lazily constructs and caches one embedder per kind. Construction
// is once-guarded so racing first-uses share a single instance, and every
// instance lives for the process lifetime.
type Factory struct {
	cfg FactoryConfig

	// Builders are swappable for tests.
	buildDense func(OllamaConfig) Dense
	buildMulti func(HTTPMultiVectorConfig) (MultiVector, error)

	textOnce   sync.Once
	text       Dense
	codeOnce   sync.Once
	code       Dense
	sparseOnce sync.Once
	sparse     Sparse
	multiOnce  sync.Once
	multi      MultiVector
	multiErr   error
}

// FactoryOption is a functional option for configuring the Factory.
type FactoryOption func(*Factory)

// WithDenseBuilder overrides dense embedder construction (used in tests).
func WithDenseBuilder(build func(OllamaConfig) Dense) FactoryOption {
	return func(f *Factory) {
		f.buildDense = build
	}
}

// WithMultiVectorBuilder overrides multi-vector construction (used in tests).
func WithMultiVectorBuilder(build func(HTTPMultiVectorConfig) (MultiVector, error)) FactoryOption {
	return func(f *Factory) {
		f.buildMulti = build
	}
}

// NewFactory creates an embedder factory.
func NewFactory(cfg FactoryConfig, opts ...FactoryOption) *Factory {
	f := &Factory{
		cfg: cfg,
		buildDense: func(c OllamaConfig) Dense {
			return NewCachedDense(NewOllamaEmbedder(c), cfg.QueryCacheSize)
		},
		buildMulti: func(c HTTPMultiVectorConfig) (MultiVector, error) {
			return NewHTTPMultiVector(c)
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Dense returns the dense embedder for text_dense or code_dense.
func (f *Factory) Dense(kind Kind) (Dense, error) {
	switch kind {
	case KindTextDense:
		f.textOnce.Do(func() {
			f.text = f.buildDense(f.cfg.Text)
		})
		return f.text, nil
	case KindCodeDense:
		f.codeOnce.Do(func() {
			f.code = f.buildDense(f.cfg.Code)
		})
		return f.code, nil
	default:
		return nil, fmt.Errorf("%w: %q is not a dense kind", ErrUnavailable, kind)
	}
}

// Sparse returns the sparse lexical encoder, or ErrUnavailable when the
// sparse path is disabled.
func (f *Factory) Sparse() (Sparse, error) {
	if !f.cfg.SparseEnabled {
		return nil, fmt.Errorf("%w: sparse encoder disabled", ErrUnavailable)
	}
	f.sparseOnce.Do(func() {
		f.sparse = NewSparseEncoder(f.cfg.SparseWorkers)
	})
	return f.sparse, nil
}

// Multi returns the late-interaction encoder, or ErrUnavailable when no
// endpoint is configured.
func (f *Factory) Multi() (MultiVector, error) {
	f.multiOnce.Do(func() {
		f.multi, f.multiErr = f.buildMulti(f.cfg.MultiVector)
	})
	if f.multiErr != nil {
		return nil, f.multiErr
	}
	return f.multi, nil
}

// Preload eagerly constructs every enabled kind and verifies the dense
// embedders respond. Used when embedder_preload is set.
func (f *Factory) Preload(ctx context.Context) error {
	for _, kind := range []Kind{KindTextDense, KindCodeDense} {
		e, err := f.Dense(kind)
		if err != nil {
			return err
		}
		if _, err := e.EmbedQuery(ctx, "warmup"); err != nil {
			return fmt.Errorf("preload %s: %w", kind, err)
		}
	}
	if f.cfg.SparseEnabled {
		if _, err := f.Sparse(); err != nil {
			return err
		}
	}
	if f.cfg.MultiVector.BaseURL != "" {
		if _, err := f.Multi(); err != nil {
			return err
		}
	}
	return nil
}
