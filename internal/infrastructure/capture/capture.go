// Package capture appends wire-level request/response records to a JSONL
// file for offline debugging. Capture is best effort: write failures are
// logged and never fail the request path.
package capture

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Directions a record may have.
const (
	DirOutboundRequest = "outbound_request"
	DirInboundResponse = "inbound_response"
	DirStreamStart     = "stream_start"
	DirStreamChunk     = "stream_chunk"
	DirStreamEnd       = "stream_end"
)

// Record is one captured wire payload.
type Record struct {
	Timestamp     string          `json:"timestamp_iso"`
	Direction     string          `json:"direction"`
	Backend       string          `json:"backend"`
	Model         string          `json:"model"`
	SessionID     string          `json:"session_id,omitempty"`
	ContentLength int             `json:"content_length"`
	Payload       json.RawMessage `json:"payload"`
}

// Writer appends records to a JSONL file. Safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	enc    *json.Encoder
	logger *zap.Logger
}

// New opens (or creates) the capture file in append mode. A nil Writer is a
// valid no-op sink, so callers never need to branch on whether capture is
// enabled.
func New(path string, logger *zap.Logger) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{
		file:   f,
		enc:    json.NewEncoder(f),
		logger: logger.With(zap.String("component", "capture")),
	}, nil
}

// Write appends one record. payload must be valid JSON; non-JSON payloads
// are wrapped as a JSON string.
func (w *Writer) Write(direction, backend, model, sessionID string, payload []byte) {
	if w == nil {
		return
	}
	raw := json.RawMessage(payload)
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			return
		}
		raw = quoted
	}
	rec := Record{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Direction:     direction,
		Backend:       backend,
		Model:         model,
		SessionID:     sessionID,
		ContentLength: len(payload),
		Payload:       raw,
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(&rec); err != nil {
		w.logger.Warn("Capture write failed", zap.Error(err))
	}
}

// Close flushes and closes the capture file.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
