package anthropic

import (
	"encoding/json"
	"io"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/infrastructure/connector"
)

// sseStream adapts a Messages API event stream into canonical chunks.
//
// message_start carries the response id and prompt usage, content_block_*
// events carry the deltas, message_delta carries the stop reason and output
// usage, message_stop ends the stream. Events that carry nothing forwardable
// (ping, content_block_stop) are skipped.
type sseStream struct {
	backend string
	model   string
	keyName string
	body    io.ReadCloser
	events  *connector.EventReader
	stop    func()
	done    bool

	id          string
	inputTokens int
	// toolIndex maps anthropic content block index to canonical tool index.
	toolIndex map[int]int
}

var _ connector.Stream = (*sseStream)(nil)

func (s *sseStream) Recv() (*entity.StreamChunk, error) {
	if s.done {
		return nil, io.EOF
	}
	for {
		ev, err := s.events.Next()
		if err == io.EOF {
			s.done = true
			return nil, io.EOF
		}
		if err != nil {
			s.done = true
			return nil, connector.MapTransportError(s.backend, s.model, s.keyName, err)
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
			continue
		}

		if chunk, ok := s.translate(&event); ok {
			return chunk, nil
		}
		if s.done {
			return nil, io.EOF
		}
	}
}

func (s *sseStream) translate(event *streamEvent) (*entity.StreamChunk, bool) {
	switch event.Type {
	case "message_start":
		if event.Message != nil {
			s.id = event.Message.ID
			s.inputTokens = event.Message.Usage.InputTokens
		}
		return s.chunk(entity.StreamChoice{Delta: entity.Delta{Role: entity.RoleAssistant}}), true

	case "content_block_start":
		if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
			idx := len(s.toolIndex)
			s.toolIndex[event.Index] = idx
			return s.chunk(entity.StreamChoice{Delta: entity.Delta{
				ToolCalls: []entity.ToolCallDelta{{
					Index: idx,
					ID:    event.ContentBlock.ID,
					Name:  event.ContentBlock.Name,
				}},
			}}), true
		}
		return nil, false

	case "content_block_delta":
		if event.Delta == nil {
			return nil, false
		}
		switch event.Delta.Type {
		case "text_delta":
			return s.chunk(entity.StreamChoice{Delta: entity.Delta{Content: event.Delta.Text}}), true
		case "input_json_delta":
			idx, ok := s.toolIndex[event.Index]
			if !ok {
				return nil, false
			}
			return s.chunk(entity.StreamChoice{Delta: entity.Delta{
				ToolCalls: []entity.ToolCallDelta{{
					Index:     idx,
					Arguments: event.Delta.PartialJSON,
				}},
			}}), true
		}
		return nil, false

	case "message_delta":
		chunk := s.chunk(entity.StreamChoice{
			FinishReason: decodeStopReason(deltaStopReason(event)),
		})
		output := 0
		if event.Usage != nil {
			output = event.Usage.OutputTokens
		}
		chunk.Usage = &entity.Usage{
			PromptTokens:     s.inputTokens,
			CompletionTokens: output,
			TotalTokens:      s.inputTokens + output,
		}
		return chunk, true

	case "message_stop":
		s.done = true
		return nil, false

	default:
		// ping, content_block_stop, unknown future events
		return nil, false
	}
}

func deltaStopReason(event *streamEvent) string {
	if event.Delta == nil {
		return ""
	}
	return event.Delta.StopReason
}

func (s *sseStream) chunk(choice entity.StreamChoice) *entity.StreamChunk {
	return &entity.StreamChunk{
		ID:      s.id,
		Model:   s.model,
		Choices: []entity.StreamChoice{choice},
	}
}

func (s *sseStream) Close() error {
	s.stop()
	return s.body.Close()
}
