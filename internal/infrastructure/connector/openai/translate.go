package openai

import (
	"github.com/modelgate/modelgate/internal/domain/entity"
)

// EncodeRequest converts a canonical request into the OpenAI wire dialect.
// includeTopK keeps the openrouter top_k extension; plain OpenAI endpoints
// reject unknown fields so it is dropped there.
func EncodeRequest(req *entity.ChatRequest, model string, includeTopK bool) *Request {
	out := &Request{
		Model:           model,
		Stream:          req.Stream,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxTokens:       req.MaxTokens,
		Stop:            req.StopSequences,
		ReasoningEffort: req.ReasoningEffort,
		ToolChoice:      req.ToolChoice,
	}
	if includeTopK {
		out.TopK = req.TopK
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, encodeMessage(m))
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, wireTool{
			Type: "function",
			Function: wireFunctionSpec{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func encodeMessage(m entity.Message) wireMessage {
	wm := wireMessage{
		Role:       m.Role,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	if len(m.Parts) > 0 {
		wm.Content.IsArr = true
		for _, p := range m.Parts {
			switch p.Type {
			case entity.PartText:
				wm.Content.Parts = append(wm.Content.Parts, wireContentPart{Type: "text", Text: p.Text})
			case entity.PartImage:
				url := p.URL
				if url == "" && p.Data != "" {
					url = "data:" + p.MimeType + ";base64," + p.Data
				}
				wm.Content.Parts = append(wm.Content.Parts, wireContentPart{
					Type:     "image_url",
					ImageURL: &wireImageURL{URL: url},
				})
			}
		}
	} else {
		wm.Content.Text = m.Content
	}
	for _, tc := range m.ToolCalls {
		wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: wireFunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return wm
}

// DecodeRequest converts an OpenAI wire request into the canonical model.
// Used by the gateway's OpenAI-compatible frontend.
func DecodeRequest(req *Request) *entity.ChatRequest {
	out := &entity.ChatRequest{
		Model:           req.Model,
		Stream:          req.Stream,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		MaxTokens:       req.MaxTokens,
		StopSequences:   req.Stop,
		ReasoningEffort: req.ReasoningEffort,
		ToolChoice:      req.ToolChoice,
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, decodeMessage(m))
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, entity.ToolSpec{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	return out
}

func decodeMessage(wm wireMessage) entity.Message {
	m := entity.Message{
		Role:       wm.Role,
		Name:       wm.Name,
		ToolCallID: wm.ToolCallID,
	}
	if wm.Content.IsArr {
		for _, p := range wm.Content.Parts {
			switch p.Type {
			case "text":
				m.Parts = append(m.Parts, entity.ContentPart{Type: entity.PartText, Text: p.Text})
			case "image_url":
				part := entity.ContentPart{Type: entity.PartImage}
				if p.ImageURL != nil {
					part.URL = p.ImageURL.URL
				}
				m.Parts = append(m.Parts, part)
			}
		}
	} else {
		m.Content = wm.Content.Text
	}
	for _, tc := range wm.ToolCalls {
		m.ToolCalls = append(m.ToolCalls, entity.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return m
}

// DecodeResponse converts an OpenAI wire response into the canonical model.
func DecodeResponse(resp *Response) *entity.ChatResponse {
	out := &entity.ChatResponse{
		ID:      resp.ID,
		Created: resp.Created,
		Model:   resp.Model,
		Usage: entity.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, entity.Choice{
			Index:        c.Index,
			Message:      decodeMessage(c.Message),
			FinishReason: c.FinishReason,
		})
	}
	return out
}

// EncodeResponse converts a canonical response into the OpenAI wire dialect.
func EncodeResponse(resp *entity.ChatResponse) *Response {
	out := &Response{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Usage: wireUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, wireChoice{
			Index:        c.Index,
			Message:      encodeMessage(c.Message),
			FinishReason: c.FinishReason,
		})
	}
	return out
}

// DecodeChunk converts one OpenAI SSE chunk into the canonical model.
func DecodeChunk(chunk *Chunk) *entity.StreamChunk {
	out := &entity.StreamChunk{
		ID:      chunk.ID,
		Created: chunk.Created,
		Model:   chunk.Model,
	}
	if chunk.Usage != nil {
		out.Usage = &entity.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	for _, c := range chunk.Choices {
		sc := entity.StreamChoice{
			Index:        c.Index,
			FinishReason: c.FinishReason,
			Delta: entity.Delta{
				Role:    c.Delta.Role,
				Content: c.Delta.Content,
			},
		}
		for _, tc := range c.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			sc.Delta.ToolCalls = append(sc.Delta.ToolCalls, entity.ToolCallDelta{
				Index:     idx,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		out.Choices = append(out.Choices, sc)
	}
	return out
}

// EncodeChunk converts a canonical stream chunk into the OpenAI wire dialect.
func EncodeChunk(chunk *entity.StreamChunk) *Chunk {
	out := &Chunk{
		ID:      chunk.ID,
		Object:  "chat.completion.chunk",
		Created: chunk.Created,
		Model:   chunk.Model,
	}
	if chunk.Usage != nil {
		out.Usage = &wireUsage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	for _, c := range chunk.Choices {
		wc := wireChunkChoice{
			Index:        c.Index,
			FinishReason: c.FinishReason,
			Delta: wireDelta{
				Role:    c.Delta.Role,
				Content: c.Delta.Content,
			},
		}
		for _, tc := range c.Delta.ToolCalls {
			idx := tc.Index
			wc.Delta.ToolCalls = append(wc.Delta.ToolCalls, wireToolCall{
				Index: &idx,
				ID:    tc.ID,
				Type:  "function",
				Function: wireFunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out.Choices = append(out.Choices, wc)
	}
	return out
}
