package gemini

import (
	"encoding/json"
	"fmt"

	"github.com/modelgate/modelgate/internal/domain/entity"
)

// Reasoning effort maps onto explicit thinking budgets; "high" requests the
// model-chosen dynamic budget.
var effortBudgets = map[string]int{
	entity.EffortLow:    512,
	entity.EffortMedium: 2048,
	entity.EffortHigh:   -1,
}

func decodeFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return entity.FinishStop
	case "MAX_TOKENS":
		return entity.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return entity.FinishContentFilter
	case "":
		return ""
	default:
		return entity.FinishStop
	}
}

func encodeFinishReason(finish string) string {
	switch finish {
	case entity.FinishLength:
		return "MAX_TOKENS"
	case entity.FinishContentFilter:
		return "SAFETY"
	case "":
		return ""
	default:
		return "STOP"
	}
}

// EncodeRequest converts a canonical request into the generateContent
// dialect. System messages become the systemInstruction; tool-role turns
// become functionResponse parts; an explicit thinking budget wins over a
// reasoning effort level.
func EncodeRequest(req *entity.ChatRequest) *Request {
	out := &Request{}

	gen := &wireGenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   req.StopSequences,
	}
	switch {
	case req.ThinkingBudget != nil:
		gen.ThinkingConfig = &wireThinkingConfig{ThinkingBudget: *req.ThinkingBudget}
	case req.ReasoningEffort != "":
		if budget, ok := effortBudgets[req.ReasoningEffort]; ok {
			gen.ThinkingConfig = &wireThinkingConfig{ThinkingBudget: budget}
		}
	}
	out.GenerationConfig = gen

	var systemParts []wirePart
	// Tool call names keyed by id so functionResponse parts can carry the
	// function name the API expects.
	toolNames := map[string]string{}
	for _, m := range req.Messages {
		for _, tc := range m.ToolCalls {
			toolNames[tc.ID] = tc.Name
		}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case entity.RoleSystem:
			systemParts = append(systemParts, wirePart{Text: m.Text()})
		case entity.RoleTool:
			out.Contents = append(out.Contents, wireContent{
				Role: "user",
				Parts: []wirePart{{FunctionResponse: &wireFunctionResponse{
					Name:     toolNames[m.ToolCallID],
					Response: map[string]interface{}{"result": m.Text()},
				}}},
			})
		default:
			out.Contents = append(out.Contents, encodeMessage(m))
		}
	}
	if len(systemParts) > 0 {
		// Role "user" on the system instruction is a Code Assist requirement.
		out.SystemInstruction = &wireContent{Role: "user", Parts: systemParts}
	}

	if len(req.Tools) > 0 {
		tool := wireTool{}
		for _, t := range req.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, wireFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		out.Tools = []wireTool{tool}
	}
	return out
}

func encodeMessage(m entity.Message) wireContent {
	role := "user"
	if m.Role == entity.RoleAssistant {
		role = "model"
	}
	wc := wireContent{Role: role}

	if len(m.Parts) > 0 {
		for _, p := range m.Parts {
			switch p.Type {
			case entity.PartText:
				wc.Parts = append(wc.Parts, wirePart{Text: p.Text})
			case entity.PartImage, entity.PartAudio, entity.PartFile:
				if p.URL != "" {
					wc.Parts = append(wc.Parts, wirePart{FileData: &wireFileData{
						MimeType: p.MimeType,
						FileURI:  p.URL,
					}})
				} else {
					wc.Parts = append(wc.Parts, wirePart{InlineData: &wireInlineData{
						MimeType: p.MimeType,
						Data:     p.Data,
					}})
				}
			}
		}
	} else if m.Content != "" {
		wc.Parts = append(wc.Parts, wirePart{Text: m.Content})
	}

	for _, tc := range m.ToolCalls {
		args := map[string]interface{}{}
		_ = json.Unmarshal([]byte(tc.Arguments), &args)
		wc.Parts = append(wc.Parts, wirePart{FunctionCall: &wireFunctionCall{
			Name: tc.Name,
			Args: args,
		}})
	}
	return wc
}

// DecodeRequest converts a generateContent request into the canonical model.
// Used by the gateway's Gemini-compatible frontend. The model comes from the
// URL path, not the body.
func DecodeRequest(req *Request, model string, stream bool) *entity.ChatRequest {
	out := &entity.ChatRequest{Model: model, Stream: stream}

	if gen := req.GenerationConfig; gen != nil {
		out.Temperature = gen.Temperature
		out.TopP = gen.TopP
		out.TopK = gen.TopK
		out.MaxTokens = gen.MaxOutputTokens
		out.StopSequences = gen.StopSequences
		if gen.ThinkingConfig != nil {
			out.ThinkingBudget = entity.IntPtr(gen.ThinkingConfig.ThinkingBudget)
		}
	}

	if req.SystemInstruction != nil {
		text := ""
		for _, p := range req.SystemInstruction.Parts {
			text += p.Text
		}
		if text != "" {
			out.Messages = append(out.Messages, entity.Message{Role: entity.RoleSystem, Content: text})
		}
	}

	callSeq := 0
	for _, wc := range req.Contents {
		out.Messages = append(out.Messages, decodeContent(wc, &callSeq)...)
	}

	for _, t := range req.Tools {
		for _, fd := range t.FunctionDeclarations {
			out.Tools = append(out.Tools, entity.ToolSpec{
				Name:        fd.Name,
				Description: fd.Description,
				Parameters:  fd.Parameters,
			})
		}
	}
	return out
}

// decodeContent may fan one wire content out into several canonical turns:
// functionResponse parts become tool-role messages. Gemini carries no call
// ids, so synthetic ids pair calls with responses positionally.
func decodeContent(wc wireContent, callSeq *int) []entity.Message {
	role := entity.RoleUser
	if wc.Role == "model" {
		role = entity.RoleAssistant
	}

	var out []entity.Message
	main := entity.Message{Role: role}
	for _, p := range wc.Parts {
		switch {
		case p.FunctionCall != nil:
			args, _ := json.Marshal(p.FunctionCall.Args)
			*callSeq++
			main.ToolCalls = append(main.ToolCalls, entity.ToolCall{
				ID:        fmt.Sprintf("call_%d", *callSeq),
				Name:      p.FunctionCall.Name,
				Arguments: string(args),
			})
		case p.FunctionResponse != nil:
			resp, _ := json.Marshal(p.FunctionResponse.Response)
			out = append(out, entity.Message{
				Role:       entity.RoleTool,
				Content:    string(resp),
				ToolCallID: fmt.Sprintf("call_%d", *callSeq),
			})
		case p.InlineData != nil:
			main.Parts = append(main.Parts, entity.ContentPart{
				Type:     entity.PartImage,
				Data:     p.InlineData.Data,
				MimeType: p.InlineData.MimeType,
			})
		case p.FileData != nil:
			main.Parts = append(main.Parts, entity.ContentPart{
				Type:     entity.PartFile,
				URL:      p.FileData.FileURI,
				MimeType: p.FileData.MimeType,
			})
		default:
			main.Parts = append(main.Parts, entity.ContentPart{Type: entity.PartText, Text: p.Text})
		}
	}
	if len(main.Parts) > 0 || len(main.ToolCalls) > 0 {
		// Collapse a lone text part back to plain content.
		if len(main.Parts) == 1 && main.Parts[0].Type == entity.PartText && len(main.ToolCalls) == 0 {
			main.Content = main.Parts[0].Text
			main.Parts = nil
		}
		out = append([]entity.Message{main}, out...)
	}
	return out
}

// DecodeResponse converts a generateContent response into the canonical
// model.
func DecodeResponse(resp *Response, model string) *entity.ChatResponse {
	out := &entity.ChatResponse{
		ID:    resp.ResponseID,
		Model: model,
	}
	if resp.UsageMetadata != nil {
		out.Usage = entity.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	for i, cand := range resp.Candidates {
		msg := entity.Message{Role: entity.RoleAssistant}
		callSeq := 0
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				args, _ := json.Marshal(p.FunctionCall.Args)
				callSeq++
				msg.ToolCalls = append(msg.ToolCalls, entity.ToolCall{
					ID:        fmt.Sprintf("call_%d", callSeq),
					Name:      p.FunctionCall.Name,
					Arguments: string(args),
				})
			default:
				msg.Content += p.Text
			}
		}
		finish := decodeFinishReason(cand.FinishReason)
		if len(msg.ToolCalls) > 0 && finish == entity.FinishStop {
			finish = entity.FinishToolCalls
		}
		out.Choices = append(out.Choices, entity.Choice{
			Index:        i,
			Message:      msg,
			FinishReason: finish,
		})
	}
	return out
}

// EncodeResponse converts a canonical response into the generateContent
// dialect.
func EncodeResponse(resp *entity.ChatResponse) *Response {
	out := &Response{
		ResponseID:   resp.ID,
		ModelVersion: resp.Model,
		UsageMetadata: &wireUsageMetadata{
			PromptTokenCount:     resp.Usage.PromptTokens,
			CandidatesTokenCount: resp.Usage.CompletionTokens,
			TotalTokenCount:      resp.Usage.TotalTokens,
		},
	}
	for _, c := range resp.Choices {
		content := wireContent{Role: "model"}
		if text := c.Message.Text(); text != "" {
			content.Parts = append(content.Parts, wirePart{Text: text})
		}
		for _, tc := range c.Message.ToolCalls {
			args := map[string]interface{}{}
			_ = json.Unmarshal([]byte(tc.Arguments), &args)
			content.Parts = append(content.Parts, wirePart{FunctionCall: &wireFunctionCall{
				Name: tc.Name,
				Args: args,
			}})
		}
		out.Candidates = append(out.Candidates, wireCandidate{
			Index:        c.Index,
			Content:      content,
			FinishReason: encodeFinishReason(c.FinishReason),
		})
	}
	return out
}

// EncodeChunk converts a canonical stream chunk into the generateContent
// streaming shape, which reuses the response body per event.
func EncodeChunk(chunk *entity.StreamChunk) *Response {
	out := &Response{ResponseID: chunk.ID, ModelVersion: chunk.Model}
	if chunk.Usage != nil {
		out.UsageMetadata = &wireUsageMetadata{
			PromptTokenCount:     chunk.Usage.PromptTokens,
			CandidatesTokenCount: chunk.Usage.CompletionTokens,
			TotalTokenCount:      chunk.Usage.TotalTokens,
		}
	}
	for _, c := range chunk.Choices {
		content := wireContent{Role: "model"}
		if c.Delta.Content != "" {
			content.Parts = append(content.Parts, wirePart{Text: c.Delta.Content})
		}
		for _, tc := range c.Delta.ToolCalls {
			args := map[string]interface{}{}
			_ = json.Unmarshal([]byte(tc.Arguments), &args)
			content.Parts = append(content.Parts, wirePart{FunctionCall: &wireFunctionCall{
				Name: tc.Name,
				Args: args,
			}})
		}
		out.Candidates = append(out.Candidates, wireCandidate{
			Index:        c.Index,
			Content:      content,
			FinishReason: encodeFinishReason(c.FinishReason),
		})
	}
	return out
}

// DecodeChunk converts one streaming event into a canonical chunk.
func DecodeChunk(resp *Response, model string) *entity.StreamChunk {
	out := &entity.StreamChunk{ID: resp.ResponseID, Model: model}
	if resp.UsageMetadata != nil {
		out.Usage = &entity.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	for i, cand := range resp.Candidates {
		sc := entity.StreamChoice{Index: i, FinishReason: decodeFinishReason(cand.FinishReason)}
		toolIdx := 0
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				args, _ := json.Marshal(p.FunctionCall.Args)
				sc.Delta.ToolCalls = append(sc.Delta.ToolCalls, entity.ToolCallDelta{
					Index:     toolIdx,
					ID:        fmt.Sprintf("call_%d", toolIdx+1),
					Name:      p.FunctionCall.Name,
					Arguments: string(args),
				})
				toolIdx++
			default:
				sc.Delta.Content += p.Text
			}
		}
		if len(sc.Delta.ToolCalls) > 0 && sc.FinishReason == entity.FinishStop {
			sc.FinishReason = entity.FinishToolCalls
		}
		out.Choices = append(out.Choices, sc)
	}
	return out
}
