package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

// SSEWriter frames server-sent events toward the client, flushing after
// every event so chunks are delivered as they arrive.
type SSEWriter struct {
	c       *gin.Context
	flusher http.Flusher
}

// NewSSEWriter sets the streaming headers and returns the writer. ok is
// false when the underlying writer cannot flush.
func NewSSEWriter(c *gin.Context) (*SSEWriter, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, false
	}
	c.Header("Content-Type", "text/event-stream; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	return &SSEWriter{c: c, flusher: flusher}, true
}

// Data writes one bare data event with a JSON payload.
func (w *SSEWriter) Data(payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return w.RawData(data)
}

// RawData writes one bare data event with pre-encoded JSON.
func (w *SSEWriter) RawData(data []byte) error {
	if _, err := w.c.Writer.WriteString("data: "); err != nil {
		return err
	}
	if _, err := w.c.Writer.Write(data); err != nil {
		return err
	}
	if _, err := w.c.Writer.WriteString("\n\n"); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// Event writes one named event with pre-encoded JSON data.
func (w *SSEWriter) Event(name string, data []byte) error {
	if _, err := w.c.Writer.WriteString("event: " + name + "\n"); err != nil {
		return err
	}
	return w.RawData(data)
}

// Done writes the OpenAI-style terminal sentinel.
func (w *SSEWriter) Done() {
	w.c.Writer.WriteString("data: [DONE]\n\n")
	w.flusher.Flush()
}
