package anthropic

import (
	"encoding/json"

	"github.com/modelgate/modelgate/internal/domain/entity"
)

// EncodedEvent is one SSE event ready for the wire: the event name plus its
// JSON payload.
type EncodedEvent struct {
	Name string
	Data json.RawMessage
}

// StreamEncoder converts a canonical chunk stream into the Messages API
// event sequence: message_start, content_block_start/delta/stop per block,
// message_delta with the stop reason and usage, then message_stop. One
// canonical chunk may expand to several events.
type StreamEncoder struct {
	model   string
	started bool
	// open block index on the wire; -1 when no block is open
	openBlock int
	// openIsTool marks whether the open block is a tool_use block
	openIsTool bool
	// blockForTool maps canonical tool index to its wire block index
	blockForTool map[int]int
	nextBlock    int
	usage        *entity.Usage
	id           string
}

// NewStreamEncoder creates an encoder for one response stream.
func NewStreamEncoder(model string) *StreamEncoder {
	return &StreamEncoder{
		model:        model,
		openBlock:    -1,
		blockForTool: map[int]int{},
	}
}

func (e *StreamEncoder) event(name string, payload streamEvent) EncodedEvent {
	payload.Type = name
	data, _ := json.Marshal(payload)
	return EncodedEvent{Name: name, Data: data}
}

// Encode translates one canonical chunk. The returned slice may be empty for
// chunks that carry nothing the Messages dialect expresses.
func (e *StreamEncoder) Encode(chunk *entity.StreamChunk) []EncodedEvent {
	var out []EncodedEvent

	if !e.started {
		e.started = true
		e.id = chunk.ID
		out = append(out, e.event("message_start", streamEvent{
			Message: &Response{
				ID:    chunk.ID,
				Type:  "message",
				Role:  entity.RoleAssistant,
				Model: e.model,
			},
		}))
	}

	if chunk.Usage != nil {
		u := *chunk.Usage
		e.usage = &u
	}

	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			out = append(out, e.textDelta(choice.Delta.Content)...)
		}
		for _, tc := range choice.Delta.ToolCalls {
			out = append(out, e.toolDelta(tc)...)
		}
		if choice.FinishReason != "" {
			out = append(out, e.finish(choice.FinishReason)...)
		}
	}
	return out
}

func (e *StreamEncoder) textDelta(text string) []EncodedEvent {
	var out []EncodedEvent
	if e.openBlock < 0 || e.openIsTool {
		out = append(out, e.closeBlock()...)
		e.openBlock = e.nextBlock
		e.nextBlock++
		e.openIsTool = false
		out = append(out, e.event("content_block_start", streamEvent{
			Index:        e.openBlock,
			ContentBlock: &wireBlock{Type: "text"},
		}))
	}
	out = append(out, e.event("content_block_delta", streamEvent{
		Index: e.openBlock,
		Delta: &streamDelta{Type: "text_delta", Text: text},
	}))
	return out
}

func (e *StreamEncoder) toolDelta(tc entity.ToolCallDelta) []EncodedEvent {
	var out []EncodedEvent
	block, known := e.blockForTool[tc.Index]
	if !known {
		out = append(out, e.closeBlock()...)
		block = e.nextBlock
		e.nextBlock++
		e.blockForTool[tc.Index] = block
		e.openBlock = block
		e.openIsTool = true
		out = append(out, e.event("content_block_start", streamEvent{
			Index:        block,
			ContentBlock: &wireBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name},
		}))
	}
	if tc.Arguments != "" {
		out = append(out, e.event("content_block_delta", streamEvent{
			Index: block,
			Delta: &streamDelta{Type: "input_json_delta", PartialJSON: tc.Arguments},
		}))
	}
	return out
}

func (e *StreamEncoder) closeBlock() []EncodedEvent {
	if e.openBlock < 0 {
		return nil
	}
	ev := e.event("content_block_stop", streamEvent{Index: e.openBlock})
	e.openBlock = -1
	return []EncodedEvent{ev}
}

func (e *StreamEncoder) finish(reason string) []EncodedEvent {
	out := e.closeBlock()

	usage := &wireUsage{}
	if e.usage != nil {
		usage.InputTokens = e.usage.PromptTokens
		usage.OutputTokens = e.usage.CompletionTokens
	}
	out = append(out, e.event("message_delta", streamEvent{
		Delta: &streamDelta{StopReason: encodeStopReason(reason)},
		Usage: usage,
	}))
	out = append(out, e.event("message_stop", streamEvent{}))
	return out
}
