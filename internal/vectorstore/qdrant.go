package vectorstore

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// QdrantStore implements Store using Qdrant
type QdrantStore struct {
	client *qdrant.Client
}

// NewQdrantStore creates a new Qdrant vector store client.
// url should be in format "host:port" (e.g., "localhost:6334")
func NewQdrantStore(ctx context.Context, url string) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		// If no port specified, assume default
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{client: client}, nil
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// Upsert inserts or replaces points in the collection
func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		id, err := pointID(p.ID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRejected, err)
		}

		payload, err := toPayload(p.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRejected, err)
		}

		vectors := make(map[string]*qdrant.Vector, len(p.Dense)+len(p.Sparse)+len(p.Multi))
		for name, vec := range p.Dense {
			vectors[name] = &qdrant.Vector{Data: vec}
		}
		for name, vec := range p.Sparse {
			vectors[name] = &qdrant.Vector{
				Indices: &qdrant.SparseIndices{Data: vec.Indices},
				Data:    vec.Values,
			}
		}
		for name, rows := range p.Multi {
			if len(rows) == 0 {
				continue
			}
			flat := make([]float32, 0, len(rows)*len(rows[0]))
			for _, row := range rows {
				flat = append(flat, row...)
			}
			vectors[name] = &qdrant.Vector{
				Data:         flat,
				VectorsCount: qdrant.PtrOf(uint32(len(rows))),
			}
		}

		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      id,
			Payload: payload,
			Vectors: &qdrant.Vectors{
				VectorsOptions: &qdrant.Vectors_Vectors{
					Vectors: &qdrant.NamedVectors{Vectors: vectors},
				},
			},
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         qdrantPoints,
	})
	if err != nil {
		return classifyError("upsert", err)
	}

	return nil
}

// Query performs single-vector dense retrieval against a named vector
func (s *QdrantStore) Query(ctx context.Context, collection, vectorName string, vector []float32, filter Filter, limit int, scoreThreshold *float32) ([]ScoredPoint, error) {
	qf, err := buildFilter(filter)
	if err != nil {
		return nil, err
	}

	req := &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryDense(vector),
		Using:          qdrant.PtrOf(vectorName),
		Filter:         qf,
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if scoreThreshold != nil {
		req.ScoreThreshold = qdrant.PtrOf(*scoreThreshold)
	}

	response, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, classifyError("query", err)
	}

	return toScoredPoints(response), nil
}

// QuerySparse performs lexical retrieval against a named sparse field
func (s *QdrantStore) QuerySparse(ctx context.Context, collection, field string, vector SparseVector, filter Filter, limit int, scoreThreshold *float32) ([]ScoredPoint, error) {
	qf, err := buildFilter(filter)
	if err != nil {
		return nil, err
	}

	req := &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuerySparse(vector.Indices, vector.Values),
		Using:          qdrant.PtrOf(field),
		Filter:         qf,
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if scoreThreshold != nil {
		req.ScoreThreshold = qdrant.PtrOf(*scoreThreshold)
	}

	response, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, classifyError("query sparse", err)
	}

	return toScoredPoints(response), nil
}

// Fuse performs server-side RRF fusion over the prefetch branches.
// Scores come back rank-derived, so no score threshold is ever attached.
func (s *QdrantStore) Fuse(ctx context.Context, collection string, prefetches []Prefetch, filter Filter, limit int) ([]ScoredPoint, error) {
	qf, err := buildFilter(filter)
	if err != nil {
		return nil, err
	}

	prefetch := make([]*qdrant.PrefetchQuery, 0, len(prefetches))
	for _, p := range prefetches {
		pq := &qdrant.PrefetchQuery{
			Using:  qdrant.PtrOf(p.VectorName),
			Limit:  qdrant.PtrOf(uint64(p.Limit)),
			Filter: qf,
		}
		if p.Sparse != nil {
			pq.Query = qdrant.NewQuerySparse(p.Sparse.Indices, p.Sparse.Values)
		} else {
			pq.Query = qdrant.NewQueryDense(p.Dense)
		}
		prefetch = append(prefetch, pq)
	}

	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Prefetch:       prefetch,
		Query:          qdrant.NewQueryFusion(qdrant.Fusion_RRF),
		Filter:         qf,
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, classifyError("fuse", err)
	}

	return toScoredPoints(response), nil
}

// buildFilter converts a Filter into a Qdrant must-conjunction.
// The tenant equality is always the first condition.
func buildFilter(f Filter) (*qdrant.Filter, error) {
	if f.TenantID == "" {
		return nil, ErrMissingTenant
	}

	must := []*qdrant.Condition{
		qdrant.NewMatch("tenant_id", f.TenantID),
	}
	if f.SessionID != "" {
		must = append(must, qdrant.NewMatch("session_id", f.SessionID))
	}
	if f.Type != "" {
		must = append(must, qdrant.NewMatch("type", f.Type))
	}
	if f.Project != "" {
		must = append(must, qdrant.NewMatch("project", f.Project))
	}
	if f.TimeRange != nil {
		must = append(must, qdrant.NewRange("timestamp", &qdrant.Range{
			Gte: qdrant.PtrOf(float64(f.TimeRange.Start)),
			Lte: qdrant.PtrOf(float64(f.TimeRange.End)),
		}))
	}
	if f.VTEndAfter != nil {
		must = append(must, qdrant.NewRange("vt_end", &qdrant.Range{
			Gt: qdrant.PtrOf(float64(*f.VTEndAfter)),
		}))
	}

	return &qdrant.Filter{Must: must}, nil
}

// pointID converts a string identifier into a Qdrant point ID.
// UUIDs map to UUID ids, decimal strings to numeric ids.
func pointID(id string) (*qdrant.PointId, error) {
	if _, err := uuid.Parse(id); err == nil {
		return qdrant.NewIDUUID(id), nil
	}
	if n, err := strconv.ParseUint(id, 10, 64); err == nil {
		return qdrant.NewIDNum(n), nil
	}
	return nil, fmt.Errorf("point id %q is neither a UUID nor numeric", id)
}

// toScoredPoints converts the Qdrant response, stringifying point ids.
func toScoredPoints(points []*qdrant.ScoredPoint) []ScoredPoint {
	results := make([]ScoredPoint, 0, len(points))
	for _, point := range points {
		var id string
		switch v := point.Id.GetPointIdOptions().(type) {
		case *qdrant.PointId_Uuid:
			id = v.Uuid
		case *qdrant.PointId_Num:
			id = strconv.FormatUint(v.Num, 10)
		}

		results = append(results, ScoredPoint{
			ID:      id,
			Score:   point.Score,
			Payload: fromPayload(point.Payload),
		})
	}
	return results
}

// toPayload converts a free-form payload map into Qdrant values.
func toPayload(payload map[string]any) (map[string]*qdrant.Value, error) {
	out := make(map[string]*qdrant.Value, len(payload))
	for k, v := range payload {
		val, err := qdrant.NewValue(v)
		if err != nil {
			return nil, fmt.Errorf("payload key %q: %w", k, err)
		}
		out[k] = val
	}
	return out, nil
}

// fromPayload converts Qdrant values back into a free-form map.
func fromPayload(payload map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = valueToAny(v)
	}
	return out
}

func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := kind.ListValue.GetValues()
		list := make([]any, 0, len(items))
		for _, item := range items {
			list = append(list, valueToAny(item))
		}
		return list
	case *qdrant.Value_StructValue:
		fields := kind.StructValue.GetFields()
		m := make(map[string]any, len(fields))
		for name, field := range fields {
			m[name] = valueToAny(field)
		}
		return m
	default:
		return nil
	}
}

// classifyError maps gRPC failures onto the store's two error kinds.
// Connectivity and deadline problems are retryable; structural rejections
// are not.
func classifyError(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	switch st.Code() {
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition:
		return fmt.Errorf("%w: %s: %v", ErrRejected, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
}

// Ensure QdrantStore implements Store
var _ Store = (*QdrantStore)(nil)
