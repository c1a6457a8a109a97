package gemini

import (
	"testing"

	"github.com/modelgate/modelgate/internal/domain/entity"
)

func TestEncodeRequest_EffortBudgets(t *testing.T) {
	cases := map[string]int{
		entity.EffortLow:    512,
		entity.EffortMedium: 2048,
		entity.EffortHigh:   -1,
	}
	for effort, want := range cases {
		req := &entity.ChatRequest{
			Messages:        []entity.Message{{Role: entity.RoleUser, Content: "hi"}},
			ReasoningEffort: effort,
		}
		wire := EncodeRequest(req)
		tc := wire.GenerationConfig.ThinkingConfig
		if tc == nil || tc.ThinkingBudget != want {
			t.Fatalf("effort %q: thinking = %+v", effort, tc)
		}
	}
}

func TestEncodeRequest_ExplicitBudgetBeatsEffort(t *testing.T) {
	req := &entity.ChatRequest{
		Messages:        []entity.Message{{Role: entity.RoleUser, Content: "hi"}},
		ReasoningEffort: entity.EffortLow,
		ThinkingBudget:  entity.IntPtr(9000),
	}
	wire := EncodeRequest(req)
	if wire.GenerationConfig.ThinkingConfig.ThinkingBudget != 9000 {
		t.Fatalf("thinking = %+v", wire.GenerationConfig.ThinkingConfig)
	}
}

func TestEncodeRequest_SystemInstructionUserRole(t *testing.T) {
	req := &entity.ChatRequest{
		Messages: []entity.Message{
			{Role: entity.RoleSystem, Content: "be brief"},
			{Role: entity.RoleUser, Content: "hi"},
		},
	}
	wire := EncodeRequest(req)
	si := wire.SystemInstruction
	if si == nil || si.Role != "user" || si.Parts[0].Text != "be brief" {
		t.Fatalf("systemInstruction = %+v", si)
	}
	if len(wire.Contents) != 1 || wire.Contents[0].Role != "user" {
		t.Fatalf("contents = %+v", wire.Contents)
	}
}

func TestEncodeRequest_ToolResponseCarriesFunctionName(t *testing.T) {
	req := &entity.ChatRequest{
		Messages: []entity.Message{
			{Role: entity.RoleUser, Content: "weather?"},
			{Role: entity.RoleAssistant, ToolCalls: []entity.ToolCall{
				{ID: "call_1", Name: "get_weather", Arguments: `{"city":"Oslo"}`},
			}},
			{Role: entity.RoleTool, ToolCallID: "call_1", Content: "rainy"},
		},
	}
	wire := EncodeRequest(req)
	if len(wire.Contents) != 3 {
		t.Fatalf("contents = %d", len(wire.Contents))
	}
	model := wire.Contents[1]
	if model.Role != "model" || model.Parts[0].FunctionCall == nil {
		t.Fatalf("assistant turn = %+v", model)
	}
	fr := wire.Contents[2].Parts[0].FunctionResponse
	if fr == nil || fr.Name != "get_weather" {
		t.Fatalf("functionResponse = %+v", fr)
	}
	if fr.Response["result"] != "rainy" {
		t.Fatalf("response = %+v", fr.Response)
	}
}

func TestDecodeRequest_SyntheticCallIDs(t *testing.T) {
	wire := &Request{
		Contents: []wireContent{
			{Role: "user", Parts: []wirePart{{Text: "go"}}},
			{Role: "model", Parts: []wirePart{
				{FunctionCall: &wireFunctionCall{Name: "a", Args: map[string]interface{}{}}},
				{FunctionCall: &wireFunctionCall{Name: "b", Args: map[string]interface{}{}}},
			}},
			{Role: "user", Parts: []wirePart{
				{FunctionResponse: &wireFunctionResponse{Name: "b", Response: map[string]interface{}{"ok": true}}},
			}},
		},
	}
	out := DecodeRequest(wire, "gemini-2.5-pro", false)
	if out.Model != "gemini-2.5-pro" {
		t.Fatalf("model = %q", out.Model)
	}
	if len(out.Messages) != 3 {
		t.Fatalf("messages = %+v", out.Messages)
	}
	calls := out.Messages[1].ToolCalls
	if len(calls) != 2 || calls[0].ID != "call_1" || calls[1].ID != "call_2" {
		t.Fatalf("tool calls = %+v", calls)
	}
	if out.Messages[2].Role != entity.RoleTool || out.Messages[2].ToolCallID != "call_2" {
		t.Fatalf("tool turn = %+v", out.Messages[2])
	}
}

func TestDecodeRequest_GenerationConfig(t *testing.T) {
	wire := &Request{
		GenerationConfig: &wireGenerationConfig{
			Temperature:     entity.Float64Ptr(0.7),
			MaxOutputTokens: entity.IntPtr(256),
			ThinkingConfig:  &wireThinkingConfig{ThinkingBudget: 1024},
		},
		Contents: []wireContent{{Role: "user", Parts: []wirePart{{Text: "hi"}}}},
	}
	out := DecodeRequest(wire, "m", true)
	if !out.Stream {
		t.Fatal("stream flag lost")
	}
	if *out.Temperature != 0.7 || *out.MaxTokens != 256 || *out.ThinkingBudget != 1024 {
		t.Fatalf("config = %+v", out)
	}
}

func TestDecodeResponse_FinishUpgradeOnToolCalls(t *testing.T) {
	resp := &Response{
		ResponseID: "r1",
		Candidates: []wireCandidate{{
			Content: wireContent{Role: "model", Parts: []wirePart{
				{FunctionCall: &wireFunctionCall{Name: "f", Args: map[string]interface{}{"x": float64(1)}}},
			}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &wireUsageMetadata{PromptTokenCount: 4, CandidatesTokenCount: 2, TotalTokenCount: 6},
	}
	out := DecodeResponse(resp, "gemini-2.5-pro")
	choice := out.Choices[0]
	if choice.FinishReason != entity.FinishToolCalls {
		t.Fatalf("finish = %s", choice.FinishReason)
	}
	if len(choice.Message.ToolCalls) != 1 || choice.Message.ToolCalls[0].Arguments != `{"x":1}` {
		t.Fatalf("tool calls = %+v", choice.Message.ToolCalls)
	}
	if out.Usage.TotalTokens != 6 {
		t.Fatalf("usage = %+v", out.Usage)
	}
}

func TestDecodeFinishReason(t *testing.T) {
	cases := map[string]string{
		"STOP":               entity.FinishStop,
		"MAX_TOKENS":         entity.FinishLength,
		"SAFETY":             entity.FinishContentFilter,
		"PROHIBITED_CONTENT": entity.FinishContentFilter,
		"":                   "",
		"OTHER":              entity.FinishStop,
	}
	for wire, want := range cases {
		if got := decodeFinishReason(wire); got != want {
			t.Fatalf("decodeFinishReason(%q) = %q, want %q", wire, got, want)
		}
	}
}

func TestResponseRoundTrip_Text(t *testing.T) {
	orig := &entity.ChatResponse{
		ID:    "r2",
		Model: "gemini-2.5-flash",
		Choices: []entity.Choice{{
			Message:      entity.Message{Role: entity.RoleAssistant, Content: "answer"},
			FinishReason: entity.FinishStop,
		}},
		Usage: entity.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
	}
	back := DecodeResponse(EncodeResponse(orig), "gemini-2.5-flash")
	if back.Choices[0].Message.Content != "answer" || back.Choices[0].FinishReason != entity.FinishStop {
		t.Fatalf("choice = %+v", back.Choices[0])
	}
	if back.Usage != orig.Usage {
		t.Fatalf("usage = %+v", back.Usage)
	}
}

func TestDecodeChunk_ToolCallDelta(t *testing.T) {
	resp := &Response{
		ResponseID: "c1",
		Candidates: []wireCandidate{{
			Content: wireContent{Role: "model", Parts: []wirePart{
				{Text: "calling "},
				{FunctionCall: &wireFunctionCall{Name: "f", Args: map[string]interface{}{}}},
			}},
			FinishReason: "STOP",
		}},
	}
	out := DecodeChunk(resp, "m")
	sc := out.Choices[0]
	if sc.Delta.Content != "calling " {
		t.Fatalf("delta content = %q", sc.Delta.Content)
	}
	if len(sc.Delta.ToolCalls) != 1 || sc.Delta.ToolCalls[0].ID != "call_1" {
		t.Fatalf("delta tool calls = %+v", sc.Delta.ToolCalls)
	}
	if sc.FinishReason != entity.FinishToolCalls {
		t.Fatalf("finish = %s", sc.FinishReason)
	}
}
