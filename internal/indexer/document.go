// Package indexer turns documents into multi-vector points and writes them
// to the turn collection, batching incoming documents on size or time.
package indexer

import (
	"strings"
)

// Document is the indexing unit.
type Document struct {
	ID        string
	Content   string
	TenantID  string
	SessionID string
	Metadata  map[string]any
}

// TurnContent assembles the canonical content of a conversational turn:
// each non-empty part gets its role prefix, parts are joined by a blank
// line, in user/assistant/reasoning order.
func TurnContent(user, assistant, reasoning string) string {
	parts := make([]string, 0, 3)
	if user != "" {
		parts = append(parts, "User: "+user)
	}
	if assistant != "" {
		parts = append(parts, "Assistant: "+assistant)
	}
	if reasoning != "" {
		parts = append(parts, "Reasoning: "+reasoning)
	}
	return strings.Join(parts, "\n\n")
}

// ContainsCode reports whether content carries a fenced code block.
func ContainsCode(content string) bool {
	return strings.Contains(content, "```")
}
