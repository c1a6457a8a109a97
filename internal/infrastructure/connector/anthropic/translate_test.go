package anthropic

import (
	"testing"

	"github.com/modelgate/modelgate/internal/domain/entity"
)

func TestEncodeRequest_SystemHoisted(t *testing.T) {
	req := &entity.ChatRequest{
		Messages: []entity.Message{
			{Role: entity.RoleSystem, Content: "be terse"},
			{Role: entity.RoleSystem, Content: "answer in English"},
			{Role: entity.RoleUser, Content: "hi"},
		},
	}
	wire := EncodeRequest(req, "claude-sonnet-4")
	if wire.System != "be terse\n\nanswer in English" {
		t.Fatalf("system = %q", wire.System)
	}
	if len(wire.Messages) != 1 || wire.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v", wire.Messages)
	}
	if wire.MaxTokens != defaultMaxTokens {
		t.Fatalf("max_tokens default = %d", wire.MaxTokens)
	}
}

func TestEncodeRequest_ToolResultBecomesUserBlock(t *testing.T) {
	req := &entity.ChatRequest{
		Messages: []entity.Message{
			{Role: entity.RoleUser, Content: "look it up"},
			{Role: entity.RoleAssistant, ToolCalls: []entity.ToolCall{
				{ID: "tu_1", Name: "lookup", Arguments: `{"k":"v"}`},
			}},
			{Role: entity.RoleTool, ToolCallID: "tu_1", Content: "found it"},
		},
	}
	wire := EncodeRequest(req, "claude-sonnet-4")
	if len(wire.Messages) != 3 {
		t.Fatalf("messages = %d", len(wire.Messages))
	}
	last := wire.Messages[2]
	if last.Role != "user" || !last.Content.IsArr {
		t.Fatalf("tool result message = %+v", last)
	}
	block := last.Content.Blocks[0]
	if block.Type != "tool_result" || block.ToolUseID != "tu_1" || block.Content != "found it" {
		t.Fatalf("block = %+v", block)
	}
}

func TestEncodeRequest_InvalidToolArgsFallBack(t *testing.T) {
	req := &entity.ChatRequest{
		Messages: []entity.Message{
			{Role: entity.RoleAssistant, ToolCalls: []entity.ToolCall{
				{ID: "tu_1", Name: "f", Arguments: `{broken`},
			}},
		},
	}
	wire := EncodeRequest(req, "m")
	if got := string(wire.Messages[0].Content.Blocks[0].Input); got != "{}" {
		t.Fatalf("input = %q", got)
	}
}

func TestEncodeRequest_ThinkingBudget(t *testing.T) {
	req := &entity.ChatRequest{
		Messages:       []entity.Message{{Role: entity.RoleUser, Content: "hi"}},
		ThinkingBudget: entity.IntPtr(2048),
	}
	wire := EncodeRequest(req, "m")
	if wire.Thinking == nil || wire.Thinking.Type != "enabled" || wire.Thinking.BudgetTokens != 2048 {
		t.Fatalf("thinking = %+v", wire.Thinking)
	}
}

func TestDecodeRequest_FansOutToolResults(t *testing.T) {
	wire := &Request{
		Model:     "claude-sonnet-4",
		MaxTokens: 1024,
		System:    "sys",
		Messages: []wireMessage{
			{Role: "user", Content: wireContent{Text: "go"}},
			{Role: "user", Content: wireContent{IsArr: true, Blocks: []wireBlock{
				{Type: "tool_result", ToolUseID: "tu_1", Content: "r1"},
				{Type: "text", Text: "and continue"},
			}}},
		},
	}
	out := DecodeRequest(wire)
	// system + user + tool + user(text block)
	if len(out.Messages) != 4 {
		t.Fatalf("messages = %+v", out.Messages)
	}
	if out.Messages[0].Role != entity.RoleSystem || out.Messages[0].Content != "sys" {
		t.Fatalf("system = %+v", out.Messages[0])
	}
	if out.Messages[2].Role != entity.RoleTool || out.Messages[2].ToolCallID != "tu_1" {
		t.Fatalf("tool turn = %+v", out.Messages[2])
	}
	if out.MaxTokens == nil || *out.MaxTokens != 1024 {
		t.Fatalf("max_tokens = %v", out.MaxTokens)
	}
}

func TestStopReasonMapping(t *testing.T) {
	cases := map[string]string{
		"end_turn":      entity.FinishStop,
		"stop_sequence": entity.FinishStop,
		"max_tokens":    entity.FinishLength,
		"tool_use":      entity.FinishToolCalls,
	}
	for wire, want := range cases {
		if got := decodeStopReason(wire); got != want {
			t.Fatalf("decodeStopReason(%q) = %q, want %q", wire, got, want)
		}
	}
	if encodeStopReason(entity.FinishLength) != "max_tokens" {
		t.Fatal("length not encoded as max_tokens")
	}
	if encodeStopReason(entity.FinishToolCalls) != "tool_use" {
		t.Fatal("tool_calls not encoded as tool_use")
	}
	if encodeStopReason(entity.FinishStop) != "end_turn" {
		t.Fatal("stop not encoded as end_turn")
	}
}

func TestDecodeResponse_LoneTextCollapses(t *testing.T) {
	resp := &Response{
		ID:         "msg_1",
		Model:      "claude-sonnet-4",
		StopReason: "end_turn",
		Content:    []wireBlock{{Type: "text", Text: "plain answer"}},
		Usage:      wireUsage{InputTokens: 9, OutputTokens: 4},
	}
	out := DecodeResponse(resp)
	msg := out.Choices[0].Message
	if msg.Content != "plain answer" || len(msg.Parts) != 0 {
		t.Fatalf("message = %+v", msg)
	}
	if out.Usage.TotalTokens != 13 {
		t.Fatalf("usage = %+v", out.Usage)
	}
}

func TestResponseRoundTrip_ToolUse(t *testing.T) {
	orig := &entity.ChatResponse{
		ID:    "msg_2",
		Model: "claude-sonnet-4",
		Choices: []entity.Choice{{
			Message: entity.Message{
				Role:    entity.RoleAssistant,
				Content: "using a tool",
				ToolCalls: []entity.ToolCall{
					{ID: "tu_9", Name: "search", Arguments: `{"q":"x"}`},
				},
			},
			FinishReason: entity.FinishToolCalls,
		}},
		Usage: entity.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}
	back := DecodeResponse(EncodeResponse(orig))
	choice := back.Choices[0]
	if choice.FinishReason != entity.FinishToolCalls {
		t.Fatalf("finish = %s", choice.FinishReason)
	}
	if len(choice.Message.ToolCalls) != 1 || choice.Message.ToolCalls[0].ID != "tu_9" {
		t.Fatalf("tool calls = %+v", choice.Message.ToolCalls)
	}
	if choice.Message.Text() != "using a tool" {
		t.Fatalf("text = %q", choice.Message.Text())
	}
}
