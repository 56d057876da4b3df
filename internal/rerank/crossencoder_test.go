package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCrossEncoder_Rerank(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rerank" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req rerankRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.Query != "pod eviction" || len(req.Texts) != 2 {
			t.Errorf("unexpected request: %+v", req)
		}
		// Scores arrive in relevance order, not input order.
		json.NewEncoder(w).Encode([]rerankResponseItem{
			{Index: 1, Score: 0.9},
			{Index: 0, Score: 0.2},
		})
	}))
	defer srv.Close()

	ce, err := NewCrossEncoder(CrossEncoderConfig{BaseURL: srv.URL, Model: "test-model"})
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}

	docs := []Document{
		{Index: 10, ID: "a", Content: "first"},
		{Index: 11, ID: "b", Content: "second"},
	}
	scored, err := ce.Rerank(context.Background(), "pod eviction", docs)
	if err != nil {
		t.Fatalf("rerank failed: %v", err)
	}

	if len(scored) != 2 {
		t.Fatalf("expected 2 scores, got %d", len(scored))
	}
	// The endpoint's indices map back onto the caller's document indices.
	if scored[0].Index != 11 || scored[0].Score != 0.9 {
		t.Errorf("unexpected first score: %+v", scored[0])
	}
	if scored[1].Index != 10 || scored[1].Score != 0.2 {
		t.Errorf("unexpected second score: %+v", scored[1])
	}
}

func TestCrossEncoder_ErrorResponses(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model loading", http.StatusServiceUnavailable)
		}},
		{"length mismatch", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode([]rerankResponseItem{{Index: 0, Score: 0.5}})
		}},
		{"out of range index", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode([]rerankResponseItem{
				{Index: 0, Score: 0.5}, {Index: 7, Score: 0.4},
			})
		}},
		{"garbage body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			ce, err := NewCrossEncoder(CrossEncoderConfig{BaseURL: srv.URL})
			if err != nil {
				t.Fatalf("constructor failed: %v", err)
			}
			if _, err := ce.Rerank(context.Background(), "q", testDocs(2)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCrossEncoder_EmptyDocs(t *testing.T) {
	ce, err := NewCrossEncoder(CrossEncoderConfig{BaseURL: "http://localhost:1"})
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}
	scored, err := ce.Rerank(context.Background(), "q", nil)
	if err != nil || scored != nil {
		t.Errorf("empty input should be a no-op, got %v, %v", scored, err)
	}
}

func TestNewCrossEncoder_RequiresBaseURL(t *testing.T) {
	if _, err := NewCrossEncoder(CrossEncoderConfig{}); err == nil {
		t.Error("expected error without base URL")
	}
}
