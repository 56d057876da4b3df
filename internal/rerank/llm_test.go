package rerank

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/observatory/memsearch/internal/llm"
)

type fakeLLM struct {
	text   string
	err    error
	prompt string
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (*llm.Result, error) {
	f.prompt = prompt
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Result{Text: f.text}, nil
}

func TestParseScoreArray(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []float32
	}{
		{"plain array", "[80, 20, 50]", []float32{80, 20, 50}},
		{"embedded in prose", "Here are the scores: [10, 90] as requested.", []float32{10, 90}},
		{"code fence", "```json\n[70, 30]\n```", []float32{70, 30}},
		{"clamped", "[150, -20]", []float32{100, 0}},
		{"floats accepted", "[85.5, 14.5]", []float32{85.5, 14.5}},
		{"no array", "I cannot score these.", []float32{50, 50}},
		{"wrong length", "[80]", []float32{50, 50}},
		{"garbage json", "[80, oops]", []float32{50, 50}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseScoreArray(tt.text, len(tt.want))
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("score %d: got %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestLLMReranker_NormalizesScores(t *testing.T) {
	r := NewLLMReranker(&fakeLLM{text: "[80, 20]"}, "test-model")

	scored, err := r.Rerank(context.Background(), "q", testDocs(2))
	if err != nil {
		t.Fatalf("rerank failed: %v", err)
	}
	if len(scored) != 2 {
		t.Fatalf("expected 2 scores, got %d", len(scored))
	}
	if scored[0].Score != 0.8 || scored[1].Score != 0.2 {
		t.Errorf("expected normalized scores 0.8, 0.2, got %v, %v", scored[0].Score, scored[1].Score)
	}
	if scored[0].Index != 0 || scored[1].Index != 1 {
		t.Errorf("indices not preserved: %+v", scored)
	}
}

func TestLLMReranker_TruncatesOnRuneBoundary(t *testing.T) {
	client := &fakeLLM{text: "[50]"}
	r := NewLLMReranker(client, "test-model")

	long := strings.Repeat("ü", llmMaxDocChars+100)
	docs := []Document{{Index: 0, ID: "a", Content: long}}
	if _, err := r.Rerank(context.Background(), "q", docs); err != nil {
		t.Fatalf("rerank failed: %v", err)
	}

	if !utf8.ValidString(client.prompt) {
		t.Error("prompt contains a broken rune after truncation")
	}
	if got := strings.Count(client.prompt, "ü"); got != llmMaxDocChars {
		t.Errorf("expected %d runes kept, got %d", llmMaxDocChars, got)
	}
}

func TestLLMReranker_ParseFailureUniform(t *testing.T) {
	r := NewLLMReranker(&fakeLLM{text: "sorry, no"}, "test-model")

	scored, err := r.Rerank(context.Background(), "q", testDocs(3))
	if err != nil {
		t.Fatalf("rerank failed: %v", err)
	}
	for i, s := range scored {
		if s.Score != 0.5 {
			t.Errorf("score %d: got %v, want 0.5", i, s.Score)
		}
	}
}

func TestMaxSim(t *testing.T) {
	query := [][]float32{{1, 0}, {0, 1}}
	doc := [][]float32{{1, 0}, {0.5, 0.5}}

	// Token 1 best-matches row 0 (1.0), token 2 best-matches row 1 (0.5).
	got := maxSim(query, doc)
	want := float32((1.0 + 0.5) / 2)
	if got != want {
		t.Errorf("maxSim = %v, want %v", got, want)
	}

	if maxSim(nil, doc) != 0 {
		t.Error("expected 0 for empty query matrix")
	}
}
