package anthropic

import (
	"encoding/json"
	"strings"

	"github.com/modelgate/modelgate/internal/domain/entity"
)

// stop_reason <-> canonical finish reason.
func decodeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return entity.FinishStop
	case "max_tokens":
		return entity.FinishLength
	case "tool_use":
		return entity.FinishToolCalls
	case "":
		return ""
	default:
		return entity.FinishStop
	}
}

func encodeStopReason(finish string) string {
	switch finish {
	case entity.FinishLength:
		return "max_tokens"
	case entity.FinishToolCalls:
		return "tool_use"
	default:
		return "end_turn"
	}
}

// EncodeRequest converts a canonical request into the Messages API dialect.
// System messages are hoisted into the top-level system field; tool result
// turns become user messages carrying tool_result blocks. reasoning_effort
// has no Messages API equivalent and is dropped; thinking_budget maps to the
// thinking configuration.
func EncodeRequest(req *entity.ChatRequest, model string) *Request {
	out := &Request{
		Model:         model,
		MaxTokens:     defaultMaxTokens,
		Stream:        req.Stream,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.StopSequences,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if req.ThinkingBudget != nil && *req.ThinkingBudget > 0 {
		out.Thinking = &wireThinking{Type: "enabled", BudgetTokens: *req.ThinkingBudget}
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case entity.RoleSystem:
			system = append(system, m.Text())
		case entity.RoleTool:
			out.Messages = append(out.Messages, wireMessage{
				Role: "user",
				Content: wireContent{IsArr: true, Blocks: []wireBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Text(),
				}}},
			})
		default:
			out.Messages = append(out.Messages, encodeMessage(m))
		}
	}
	out.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return out
}

func encodeMessage(m entity.Message) wireMessage {
	wm := wireMessage{Role: m.Role}
	needsBlocks := len(m.Parts) > 0 || len(m.ToolCalls) > 0
	if !needsBlocks {
		wm.Content.Text = m.Content
		return wm
	}

	wm.Content.IsArr = true
	if m.Content != "" {
		wm.Content.Blocks = append(wm.Content.Blocks, wireBlock{Type: "text", Text: m.Content})
	}
	for _, p := range m.Parts {
		switch p.Type {
		case entity.PartText:
			wm.Content.Blocks = append(wm.Content.Blocks, wireBlock{Type: "text", Text: p.Text})
		case entity.PartImage:
			src := &wireImageSource{}
			if p.URL != "" {
				src.Type = "url"
				src.URL = p.URL
			} else {
				src.Type = "base64"
				src.MediaType = p.MimeType
				src.Data = p.Data
			}
			wm.Content.Blocks = append(wm.Content.Blocks, wireBlock{Type: "image", Source: src})
		}
	}
	for _, tc := range m.ToolCalls {
		input := json.RawMessage(tc.Arguments)
		if !json.Valid(input) {
			input = json.RawMessage("{}")
		}
		wm.Content.Blocks = append(wm.Content.Blocks, wireBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: input,
		})
	}
	return wm
}

// DecodeRequest converts a Messages API request into the canonical model.
// Used by the gateway's Anthropic-compatible frontend.
func DecodeRequest(req *Request) *entity.ChatRequest {
	out := &entity.ChatRequest{
		Model:         req.Model,
		Stream:        req.Stream,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.StopSequences,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = entity.IntPtr(req.MaxTokens)
	}
	if req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
		out.ThinkingBudget = entity.IntPtr(req.Thinking.BudgetTokens)
	}
	if req.System != "" {
		out.Messages = append(out.Messages, entity.Message{
			Role:    entity.RoleSystem,
			Content: req.System,
		})
	}
	for _, wm := range req.Messages {
		out.Messages = append(out.Messages, decodeMessage(wm)...)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, entity.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	return out
}

// decodeMessage may fan one wire message out into several canonical turns:
// tool_result blocks become separate tool-role messages.
func decodeMessage(wm wireMessage) []entity.Message {
	if !wm.Content.IsArr {
		return []entity.Message{{Role: wm.Role, Content: wm.Content.Text}}
	}

	var out []entity.Message
	main := entity.Message{Role: wm.Role}
	for _, b := range wm.Content.Blocks {
		switch b.Type {
		case "text":
			main.Parts = append(main.Parts, entity.ContentPart{Type: entity.PartText, Text: b.Text})
		case "image":
			part := entity.ContentPart{Type: entity.PartImage}
			if b.Source != nil {
				part.URL = b.Source.URL
				part.Data = b.Source.Data
				part.MimeType = b.Source.MediaType
			}
			main.Parts = append(main.Parts, part)
		case "tool_use":
			main.ToolCalls = append(main.ToolCalls, entity.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		case "tool_result":
			out = append(out, entity.Message{
				Role:       entity.RoleTool,
				Content:    b.Content,
				ToolCallID: b.ToolUseID,
			})
		}
	}
	if len(main.Parts) > 0 || len(main.ToolCalls) > 0 {
		out = append(out, main)
	}
	return out
}

// DecodeResponse converts a Messages API response into the canonical model.
func DecodeResponse(resp *Response) *entity.ChatResponse {
	msg := entity.Message{Role: entity.RoleAssistant}
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			msg.Parts = append(msg.Parts, entity.ContentPart{Type: entity.PartText, Text: b.Text})
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, entity.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		}
	}
	// Collapse a lone text part back to plain content.
	if len(msg.Parts) == 1 && msg.Parts[0].Type == entity.PartText {
		msg.Content = msg.Parts[0].Text
		msg.Parts = nil
	}

	usage := entity.Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	return &entity.ChatResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Choices: []entity.Choice{{
			Message:      msg,
			FinishReason: decodeStopReason(resp.StopReason),
		}},
		Usage: usage,
	}
}

// EncodeResponse converts a canonical response into the Messages API dialect.
func EncodeResponse(resp *entity.ChatResponse) *Response {
	out := &Response{
		ID:    resp.ID,
		Type:  "message",
		Role:  entity.RoleAssistant,
		Model: resp.Model,
		Usage: wireUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) == 0 {
		out.StopReason = "end_turn"
		return out
	}
	choice := resp.Choices[0]
	out.StopReason = encodeStopReason(choice.FinishReason)
	if text := choice.Message.Text(); text != "" {
		out.Content = append(out.Content, wireBlock{Type: "text", Text: text})
	}
	for _, tc := range choice.Message.ToolCalls {
		input := json.RawMessage(tc.Arguments)
		if !json.Valid(input) {
			input = json.RawMessage("{}")
		}
		out.Content = append(out.Content, wireBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: input,
		})
	}
	return out
}
