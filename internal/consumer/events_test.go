package consumer

import (
	"errors"
	"testing"
)

func TestParseTurnEvent(t *testing.T) {
	data := []byte(`{
		"id": "turn-7",
		"session_id": "s1",
		"tenant_id": "t1",
		"sequence_index": 7,
		"user_content": "fix it",
		"assistant_content": "done",
		"tool_calls": ["bash"],
		"input_tokens": 120,
		"output_tokens": 40,
		"timestamp": 1756100000
	}`)

	doc, err := ParseTurnEvent(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if doc.ID != "turn-7" || doc.TenantID != "t1" || doc.SessionID != "s1" {
		t.Errorf("identity fields wrong: %+v", doc)
	}
	if doc.Content != "User: fix it\n\nAssistant: done" {
		t.Errorf("unexpected content: %q", doc.Content)
	}
	if doc.Metadata["type"] != "turn" {
		t.Errorf("expected type turn, got %v", doc.Metadata["type"])
	}
	if doc.Metadata["sequence_index"] != 7 {
		t.Errorf("expected sequence_index 7, got %v", doc.Metadata["sequence_index"])
	}
	if doc.Metadata["has_reasoning"] != false {
		t.Error("expected has_reasoning false without a reasoning preview")
	}
	if doc.Metadata["has_code"] != false {
		t.Error("expected has_code false for plain text")
	}
	if doc.Metadata["input_tokens"] != 120 || doc.Metadata["output_tokens"] != 40 {
		t.Errorf("token counts wrong: %+v", doc.Metadata)
	}
}

func TestParseTurnEvent_CodeAndReasoning(t *testing.T) {
	data := []byte(`{
		"id": "turn-8",
		"tenant_id": "t1",
		"user_content": "show me",
		"assistant_content": "sure:\n` + "```" + `go\nfunc main() {}\n` + "```" + `",
		"reasoning_preview": "user wants an example"
	}`)

	doc, err := ParseTurnEvent(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if doc.Metadata["has_code"] != true {
		t.Error("expected has_code true for fenced block")
	}
	if doc.Metadata["has_reasoning"] != true {
		t.Error("expected has_reasoning true")
	}
}

func TestParseTurnEvent_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad json", `{not json`},
		{"missing id", `{"tenant_id": "t1", "user_content": "x"}`},
		{"missing tenant", `{"id": "turn-1", "user_content": "x"}`},
		{"empty content", `{"id": "turn-1", "tenant_id": "t1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTurnEvent([]byte(tt.data))
			if !errors.Is(err, ErrParse) {
				t.Errorf("expected ErrParse, got %v", err)
			}
		})
	}
}
