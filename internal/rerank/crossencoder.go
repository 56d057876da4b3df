package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CrossEncoderConfig configures an HTTP cross-encoder reranker. The endpoint
// is expected to speak the text-embeddings-inference rerank protocol.
type CrossEncoderConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// CrossEncoder scores query-document pairs with a remote cross-encoder
// model. The fast, accurate, and code tiers are all instances of this type
// pointed at different models.
type CrossEncoder struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewCrossEncoder creates a cross-encoder client.
func NewCrossEncoder(cfg CrossEncoderConfig) (*CrossEncoder, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("cross-encoder base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CrossEncoder{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type rerankRequest struct {
	Model string   `json:"model,omitempty"`
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type rerankResponseItem struct {
	Index int     `json:"index"`
	Score float32 `json:"score"`
}

// Rerank sends the query and candidate texts to the rerank endpoint and maps
// the returned scores back onto the caller's document indices.
func (c *CrossEncoder) Rerank(ctx context.Context, query string, docs []Document) ([]Scored, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}

	body, err := json.Marshal(rerankRequest{Model: c.model, Query: query, Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank API error (status %d): %s", resp.StatusCode, string(msg))
	}

	var items []rerankResponseItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(items) != len(docs) {
		return nil, fmt.Errorf("rerank returned %d scores for %d documents", len(items), len(docs))
	}

	scored := make([]Scored, len(docs))
	for i, it := range items {
		if it.Index < 0 || it.Index >= len(docs) {
			return nil, fmt.Errorf("rerank returned out-of-range index %d", it.Index)
		}
		scored[i] = Scored{Index: docs[it.Index].Index, Score: it.Score}
	}
	return scored, nil
}

// Ensure CrossEncoder implements Model interface.
var _ Model = (*CrossEncoder)(nil)
