package anthropic

import (
	"strings"
	"testing"

	"github.com/modelgate/modelgate/internal/domain/entity"
)

func eventNames(events []EncodedEvent) string {
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.Name
	}
	return strings.Join(names, " ")
}

func TestStreamEncoder_TextSequence(t *testing.T) {
	e := NewStreamEncoder("claude-sonnet-4")

	first := e.Encode(&entity.StreamChunk{
		ID: "msg_1",
		Choices: []entity.StreamChoice{{
			Delta: entity.Delta{Role: entity.RoleAssistant, Content: "Hel"},
		}},
	})
	if got := eventNames(first); got != "message_start content_block_start content_block_delta" {
		t.Fatalf("first chunk events = %q", got)
	}

	mid := e.Encode(&entity.StreamChunk{
		Choices: []entity.StreamChoice{{Delta: entity.Delta{Content: "lo"}}},
	})
	if got := eventNames(mid); got != "content_block_delta" {
		t.Fatalf("mid chunk events = %q", got)
	}

	last := e.Encode(&entity.StreamChunk{
		Usage: &entity.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		Choices: []entity.StreamChoice{{
			FinishReason: entity.FinishStop,
		}},
	})
	if got := eventNames(last); got != "content_block_stop message_delta message_stop" {
		t.Fatalf("final chunk events = %q", got)
	}
	if !strings.Contains(string(last[1].Data), `"end_turn"`) {
		t.Fatalf("message_delta = %s", last[1].Data)
	}
	if !strings.Contains(string(last[1].Data), `"output_tokens":2`) {
		t.Fatalf("usage missing: %s", last[1].Data)
	}
}

func TestStreamEncoder_ToolBlockOpensAndCloses(t *testing.T) {
	e := NewStreamEncoder("claude-sonnet-4")

	events := e.Encode(&entity.StreamChunk{
		ID: "msg_2",
		Choices: []entity.StreamChoice{{
			Delta: entity.Delta{
				Content: "let me look that up",
				ToolCalls: []entity.ToolCallDelta{
					{Index: 0, ID: "tu_1", Name: "search", Arguments: `{"q":`},
				},
			},
		}},
	})
	want := "message_start content_block_start content_block_delta content_block_stop content_block_start content_block_delta"
	if got := eventNames(events); got != want {
		t.Fatalf("events = %q, want %q", got, want)
	}
	if !strings.Contains(string(events[4].Data), `"tool_use"`) {
		t.Fatalf("tool block start = %s", events[4].Data)
	}
	if !strings.Contains(string(events[5].Data), "input_json_delta") {
		t.Fatalf("tool args delta = %s", events[5].Data)
	}

	// More argument fragments extend the same block without reopening it.
	more := e.Encode(&entity.StreamChunk{
		Choices: []entity.StreamChoice{{
			Delta: entity.Delta{ToolCalls: []entity.ToolCallDelta{
				{Index: 0, Arguments: `"x"}`},
			}},
		}},
	})
	if got := eventNames(more); got != "content_block_delta" {
		t.Fatalf("continuation events = %q", got)
	}

	done := e.Encode(&entity.StreamChunk{
		Choices: []entity.StreamChoice{{FinishReason: entity.FinishToolCalls}},
	})
	if got := eventNames(done); got != "content_block_stop message_delta message_stop" {
		t.Fatalf("final events = %q", got)
	}
	if !strings.Contains(string(done[1].Data), `"tool_use"`) {
		t.Fatalf("stop reason = %s", done[1].Data)
	}
}
