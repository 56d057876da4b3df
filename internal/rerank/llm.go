package rerank

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/observatory/memsearch/internal/llm"
)

const llmRerankSystemPrompt = `You are a relevance judge. Score how relevant each document is to the query on a 0-100 scale. Respond with ONLY a JSON array of integers, one score per document, in document order. Example: [85, 20, 60]`

// llmMaxDocChars truncates candidate content in the prompt so long documents
// do not blow the context window.
const llmMaxDocChars = 1500

// LLMReranker scores candidates listwise with a single generation call. It
// is the most expensive tier and sits behind the router's rate limiter.
type LLMReranker struct {
	client llm.LLM
	model  string
}

// NewLLMReranker creates a listwise LLM reranker.
func NewLLMReranker(client llm.LLM, model string) *LLMReranker {
	return &LLMReranker{client: client, model: model}
}

// Rerank prompts the model with the query and every candidate and parses one
// integer score per candidate. Any parse failure falls back to a neutral 50
// for every document rather than failing the call; the scores are normalized
// to [0, 1] so all tiers share a scale.
func (r *LLMReranker) Rerank(ctx context.Context, query string, docs []Document) ([]Scored, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	result, err := r.client.Generate(ctx, r.buildPrompt(query, docs), llm.GenerateOptions{
		Model:        r.model,
		SystemPrompt: llmRerankSystemPrompt,
		Temperature:  0.1,
		MaxTokens:    16 * len(docs),
	})
	if err != nil {
		return nil, fmt.Errorf("llm rerank: %w", err)
	}

	raw := parseScoreArray(result.Text, len(docs))

	scored := make([]Scored, len(docs))
	for i, d := range docs {
		scored[i] = Scored{Index: d.Index, Score: raw[i] / 100}
	}
	return scored, nil
}

func (r *LLMReranker) buildPrompt(query string, docs []Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nDocuments:\n", query)
	for i, d := range docs {
		content := d.Content
		if runes := []rune(content); len(runes) > llmMaxDocChars {
			content = string(runes[:llmMaxDocChars])
		}
		fmt.Fprintf(&b, "[%d] %s\n\n", i+1, content)
	}
	fmt.Fprintf(&b, "Score all %d documents.", len(docs))
	return b.String()
}

// parseScoreArray extracts a JSON array of numbers from model output. Models
// wrap answers in prose or code fences often enough that the parse scans for
// the bracketed span instead of decoding the whole response. On any failure,
// or on a length mismatch, every document gets a neutral 50.
func parseScoreArray(text string, want int) []float32 {
	uniform := func() []float32 {
		scores := make([]float32, want)
		for i := range scores {
			scores[i] = 50
		}
		return scores
	}

	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return uniform()
	}

	var nums []float64
	if err := json.Unmarshal([]byte(text[start:end+1]), &nums); err != nil {
		return uniform()
	}
	if len(nums) != want {
		return uniform()
	}

	scores := make([]float32, want)
	for i, n := range nums {
		if n < 0 {
			n = 0
		} else if n > 100 {
			n = 100
		}
		scores[i] = float32(n)
	}
	return scores
}

// Ensure LLMReranker implements Model interface.
var _ Model = (*LLMReranker)(nil)
