package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPMultiVector calls a late-interaction encoder service (fastembed-server
// style) that returns one embedding matrix per input text.
type HTTPMultiVector struct {
	baseURL   string
	dimension int
	client    *http.Client
}

// HTTPMultiVectorConfig configures the multi-vector encoder client.
type HTTPMultiVectorConfig struct {
	BaseURL    string
	Dimension  int
	HTTPClient *http.Client
}

// NewHTTPMultiVector creates a multi-vector encoder client.
func NewHTTPMultiVector(cfg HTTPMultiVectorConfig) (*HTTPMultiVector, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: multi-vector endpoint not configured", ErrUnavailable)
	}
	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = 128
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPMultiVector{
		baseURL:   cfg.BaseURL,
		dimension: dimension,
		client:    client,
	}, nil
}

type multiVectorRequest struct {
	Texts   []string `json:"texts"`
	IsQuery bool     `json:"is_query"`
}

type multiVectorResponse struct {
	Embeddings [][][]float32 `json:"embeddings"`
}

// EmbedQuery generates the per-token embedding matrix for a query.
func (e *HTTPMultiVector) EmbedQuery(ctx context.Context, text string) ([][]float32, error) {
	matrices, err := e.embed(ctx, []string{text}, true)
	if err != nil {
		return nil, err
	}
	return matrices[0], nil
}

// EmbedDocuments generates per-token embedding matrices for a batch.
// Output order matches input order.
func (e *HTTPMultiVector) EmbedDocuments(ctx context.Context, texts []string) ([][][]float32, error) {
	if len(texts) == 0 {
		return [][][]float32{}, nil
	}
	return e.embed(ctx, texts, false)
}

func (e *HTTPMultiVector) embed(ctx context.Context, texts []string, isQuery bool) ([][][]float32, error) {
	body, err := json.Marshal(multiVectorRequest{Texts: texts, IsQuery: isQuery})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed/colbert", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("multi-vector API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result multiVectorResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("multi-vector API returned %d matrices for %d texts", len(result.Embeddings), len(texts))
	}

	return result.Embeddings, nil
}

// Dimension returns the per-token embedding dimension.
func (e *HTTPMultiVector) Dimension() int {
	return e.dimension
}

// Ensure HTTPMultiVector implements MultiVector interface.
var _ MultiVector = (*HTTPMultiVector)(nil)
