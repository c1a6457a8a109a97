package openai

import (
	"encoding/json"
	"io"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/infrastructure/connector"
)

// sseStream adapts an OpenAI SSE body into the canonical stream. The
// "[DONE]" sentinel terminates the stream; unparseable events are skipped so
// a single malformed keepalive does not kill an otherwise healthy stream.
type sseStream struct {
	backend string
	model   string
	keyName string
	body    io.ReadCloser
	events  *connector.EventReader
	stop    func()
	done    bool
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
		if ev.Data == "[DONE]" {
			s.done = true
			return nil, io.EOF
		}

		var wire Chunk
		if err := json.Unmarshal([]byte(ev.Data), &wire); err != nil {
			continue
		}
		return DecodeChunk(&wire), nil
	}
}

func (s *sseStream) Close() error {
	s.stop()
	return s.body.Close()
}
