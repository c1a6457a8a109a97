package gemini

import (
	"encoding/json"
	"io"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/infrastructure/connector"
)

// sseStream adapts a streamGenerateContent event stream into canonical
// chunks. Each event carries a full Response body; the stream ends at EOF
// with no sentinel.
type sseStream struct {
	backend    string
	model      string
	keyName    string
	codeAssist bool
	body       io.ReadCloser
	events     *connector.EventReader
	stop       func()
	done       bool
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

		resp, err := s.unmarshal([]byte(ev.Data))
		if err != nil || resp == nil {
			continue
		}
		return DecodeChunk(resp, s.model), nil
	}
}

func (s *sseStream) unmarshal(data []byte) (*Response, error) {
	if s.codeAssist {
		var envelope codeAssistResponse
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, err
		}
		return envelope.Response, nil
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *sseStream) Close() error {
	s.stop()
	return s.body.Close()
}
