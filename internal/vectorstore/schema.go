package vectorstore

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// CollectionSchema declares the named vectors and payload indices of a
// collection. Dense sizes are keyed by vector name.
type CollectionSchema struct {
	Dense          map[string]uint64
	Sparse         []string
	Multi          map[string]uint64
	KeywordIndices []string
	IntegerIndices []string
}

// TurnSchema returns the canonical schema of the turn collection.
func TurnSchema(denseDim, multiDim int, withColbert bool) CollectionSchema {
	s := CollectionSchema{
		Dense:          map[string]uint64{TurnDenseVector: uint64(denseDim)},
		Sparse:         []string{TurnSparseVector},
		KeywordIndices: []string{"tenant_id", "session_id", "type"},
		IntegerIndices: []string{"timestamp"},
	}
	if withColbert {
		s.Multi = map[string]uint64{TurnColbertVector: uint64(multiDim)}
	}
	return s
}

// MemorySchema returns the canonical schema of the memory collection.
func MemorySchema(textDim, codeDim int) CollectionSchema {
	return CollectionSchema{
		Dense: map[string]uint64{
			TextDenseVector: uint64(textDim),
			CodeDenseVector: uint64(codeDim),
		},
		Sparse:         []string{TextSparseVector},
		KeywordIndices: []string{"tenant_id", "project", "type"},
		IntegerIndices: []string{"vt_end", "timestamp"},
	}
}

// SessionSchema returns the canonical schema of the session summary collection.
func SessionSchema(denseDim int) CollectionSchema {
	return CollectionSchema{
		Dense:          map[string]uint64{TextDenseVector: uint64(denseDim)},
		KeywordIndices: []string{"tenant_id", "session_id"},
		IntegerIndices: []string{"timestamp"},
	}
}

// EnsureCollection creates the collection with its schema if it does not
// already exist.
func (s *QdrantStore) EnsureCollection(ctx context.Context, name string, schema CollectionSchema) error {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return classifyError("collection exists", err)
	}
	if exists {
		return nil
	}
	return s.createCollection(ctx, name, schema)
}

// RecreateCollection drops and recreates the collection with its schema.
func (s *QdrantStore) RecreateCollection(ctx context.Context, name string, schema CollectionSchema) error {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return classifyError("collection exists", err)
	}
	if exists {
		if err := s.client.DeleteCollection(ctx, name); err != nil {
			return classifyError("delete collection", err)
		}
	}
	return s.createCollection(ctx, name, schema)
}

func (s *QdrantStore) createCollection(ctx context.Context, name string, schema CollectionSchema) error {
	vectors := make(map[string]*qdrant.VectorParams, len(schema.Dense)+len(schema.Multi))
	for vecName, size := range schema.Dense {
		vectors[vecName] = &qdrant.VectorParams{
			Size:     size,
			Distance: qdrant.Distance_Cosine,
		}
	}
	for vecName, size := range schema.Multi {
		vectors[vecName] = &qdrant.VectorParams{
			Size:     size,
			Distance: qdrant.Distance_Cosine,
			MultivectorConfig: &qdrant.MultiVectorConfig{
				Comparator: qdrant.MultiVectorComparator_MaxSim,
			},
		}
	}

	req := &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig:  qdrant.NewVectorsConfigMap(vectors),
	}
	if len(schema.Sparse) > 0 {
		sparse := make(map[string]*qdrant.SparseVectorParams, len(schema.Sparse))
		for _, field := range schema.Sparse {
			sparse[field] = &qdrant.SparseVectorParams{}
		}
		req.SparseVectorsConfig = qdrant.NewSparseVectorsConfig(sparse)
	}

	if err := s.client.CreateCollection(ctx, req); err != nil {
		return classifyError("create collection", err)
	}

	for _, field := range schema.KeywordIndices {
		if err := s.createFieldIndex(ctx, name, field, qdrant.FieldType_FieldTypeKeyword); err != nil {
			return err
		}
	}
	for _, field := range schema.IntegerIndices {
		if err := s.createFieldIndex(ctx, name, field, qdrant.FieldType_FieldTypeInteger); err != nil {
			return err
		}
	}

	return nil
}

func (s *QdrantStore) createFieldIndex(ctx context.Context, collection, field string, fieldType qdrant.FieldType) error {
	_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: collection,
		FieldName:      field,
		FieldType:      &fieldType,
	})
	if err != nil {
		return fmt.Errorf("index %s.%s: %w", collection, field, classifyError("create field index", err))
	}
	return nil
}
