// Package consumer subscribes to the turn-finalized stream and feeds parsed
// documents into the indexing batch queue.
package consumer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/observatory/memsearch/internal/indexer"
)

// ErrParse reports a malformed turn event. Such messages are acknowledged
// and dropped; redelivery would never succeed.
var ErrParse = errors.New("malformed turn event")

// TurnFinalizedEvent is the stream payload published when a conversation
// turn completes.
type TurnFinalizedEvent struct {
	ID               string   `json:"id"`
	SessionID        string   `json:"session_id"`
	TenantID         string   `json:"tenant_id"`
	SequenceIndex    int      `json:"sequence_index"`
	UserContent      string   `json:"user_content"`
	AssistantContent string   `json:"assistant_content"`
	ReasoningPreview string   `json:"reasoning_preview"`
	ToolCalls        []string `json:"tool_calls"`
	FilesTouched     []string `json:"files_touched"`
	InputTokens      int      `json:"input_tokens"`
	OutputTokens     int      `json:"output_tokens"`
	Timestamp        int64    `json:"timestamp"`
}

// ParseTurnEvent decodes and validates a turn-finalized event into an
// indexable document.
func ParseTurnEvent(data []byte) (indexer.Document, error) {
	var ev TurnFinalizedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return indexer.Document{}, fmt.Errorf("%w: %s", ErrParse, err)
	}

	if ev.ID == "" {
		return indexer.Document{}, fmt.Errorf("%w: missing id", ErrParse)
	}
	if ev.TenantID == "" {
		return indexer.Document{}, fmt.Errorf("%w: missing tenant_id", ErrParse)
	}
	content := indexer.TurnContent(ev.UserContent, ev.AssistantContent, ev.ReasoningPreview)
	if content == "" {
		return indexer.Document{}, fmt.Errorf("%w: turn %s has no content", ErrParse, ev.ID)
	}

	return indexer.Document{
		ID:        ev.ID,
		Content:   content,
		TenantID:  ev.TenantID,
		SessionID: ev.SessionID,
		Metadata: map[string]any{
			"type":           "turn",
			"sequence_index": ev.SequenceIndex,
			"tool_calls":     ev.ToolCalls,
			"files_touched":  ev.FilesTouched,
			"has_code":       indexer.ContainsCode(content),
			"has_reasoning":  ev.ReasoningPreview != "",
			"input_tokens":   ev.InputTokens,
			"output_tokens":  ev.OutputTokens,
			"timestamp":      ev.Timestamp,
		},
	}, nil
}
