package pipeline

import (
	"fmt"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/domain/session"
	"github.com/modelgate/modelgate/internal/infrastructure/connector"
	"github.com/modelgate/modelgate/internal/infrastructure/metrics"
	"go.uber.org/zap"
)

// ContentLoopDetector terminates responses whose text degenerates into a
// repeating pattern. Streaming responses end early with a content_filter
// finish reason; non-streaming responses are truncated at the first
// detection.
type ContentLoopDetector struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

var _ Middleware = (*ContentLoopDetector)(nil)

// NewContentLoopDetector creates the detector middleware.
func NewContentLoopDetector(logger *zap.Logger, m *metrics.Metrics) *ContentLoopDetector {
	return &ContentLoopDetector{
		logger:  logger.With(zap.String("middleware", "loop_detection")),
		metrics: m,
	}
}

func (d *ContentLoopDetector) Name() string { return "loop_detection" }

func loopNotice(patternLen, repetitions int) string {
	return fmt.Sprintf("\n\n[response terminated: repeating pattern detected (length %d, %d repetitions)]", patternLen, repetitions)
}

// OnResponse truncates the first choice's text at the first detected loop.
func (d *ContentLoopDetector) OnResponse(req *Request, resp *entity.ChatResponse) (*entity.ChatResponse, error) {
	cfg := req.State.LoopDetection
	if !cfg.Enabled || len(resp.Choices) == 0 {
		return resp, nil
	}

	choice := &resp.Choices[0]
	text := choice.Message.Text()
	cut, patternLen, found := findLoop(text, cfg)
	if !found {
		return resp, nil
	}

	d.logger.Warn("Content loop detected",
		zap.String("session_id", req.SessionID),
		zap.Int("pattern_len", patternLen),
		zap.Int("cut", cut),
	)
	d.metrics.LoopsDetected.WithLabelValues("content").Inc()

	choice.Message.Content = text[:cut] + loopNotice(patternLen, cfg.MinRepetitions)
	choice.Message.Parts = nil
	choice.FinishReason = entity.FinishContentFilter
	if resp.Metadata == nil {
		resp.Metadata = map[string]interface{}{}
	}
	resp.Metadata["loop_detected"] = map[string]interface{}{
		"kind":        "content",
		"pattern_len": patternLen,
	}
	return resp, nil
}

// WrapStream watches the concatenated text deltas and terminates the stream
// with a content_filter event once a loop completes.
func (d *ContentLoopDetector) WrapStream(req *Request, stream connector.Stream) connector.Stream {
	cfg := req.State.LoopDetection
	if !cfg.Enabled {
		return stream
	}

	scanner := newLoopScanner(cfg)
	q := &queueStream{inner: stream}
	q.next = func(chunk *entity.StreamChunk) ([]*entity.StreamChunk, bool) {
		delta := chunk.TextDelta()
		if delta == "" {
			return []*entity.StreamChunk{chunk}, false
		}
		if patternLen, consumed, found := scanner.feed(delta); found {
			d.logger.Warn("Content loop detected in stream",
				zap.String("session_id", req.SessionID),
				zap.Int("pattern_len", patternLen),
				zap.Int("dropped_bytes", len(delta)-consumed),
			)
			d.metrics.LoopsDetected.WithLabelValues("content").Inc()

			// The triggering chunk is cut at the byte that completed the
			// loop; text past it never reaches the client.
			truncated := &entity.StreamChunk{
				ID:      chunk.ID,
				Created: chunk.Created,
				Model:   chunk.Model,
				Choices: []entity.StreamChoice{{
					Delta: entity.Delta{Content: delta[:consumed]},
				}},
			}
			terminal := &entity.StreamChunk{
				ID:      chunk.ID,
				Created: chunk.Created,
				Model:   chunk.Model,
				Choices: []entity.StreamChoice{{
					Delta:        entity.Delta{Content: loopNotice(patternLen, cfg.MinRepetitions)},
					FinishReason: entity.FinishContentFilter,
				}},
			}
			return []*entity.StreamChunk{truncated, terminal}, true
		}
		return []*entity.StreamChunk{chunk}, false
	}
	return q
}

// loopScanner keeps only the window needed to detect a completed loop, so
// the total work stays linear in emitted bytes.
type loopScanner struct {
	cfg    session.LoopDetectionConfig
	window []byte
	max    int
}

func newLoopScanner(cfg session.LoopDetectionConfig) *loopScanner {
	return &loopScanner{
		cfg: cfg,
		max: cfg.MaxPatternLen * cfg.MinRepetitions,
	}
}

// feed appends a delta one byte at a time and reports whether a loop
// completes inside it. consumed counts the delta bytes up to and including
// the byte that completed the loop, so the caller can cut the delta there.
func (s *loopScanner) feed(delta string) (patternLen, consumed int, found bool) {
	for i := 0; i < len(delta); i++ {
		s.window = append(s.window, delta[i])
		if len(s.window) > s.max {
			s.window = s.window[len(s.window)-s.max:]
		}
		for l := s.cfg.MinPatternLen; l <= s.cfg.MaxPatternLen; l++ {
			if hasPeriodicSuffix(s.window, l, s.cfg.MinRepetitions) {
				return l, i + 1, true
			}
		}
	}
	return 0, 0, false
}

// hasPeriodicSuffix reports whether text ends in a block of length l
// repeated at least reps times.
func hasPeriodicSuffix(text []byte, l, reps int) bool {
	need := l * reps
	if l <= 0 || len(text) < need {
		return false
	}
	for i := len(text) - need + l; i < len(text); i++ {
		if text[i] != text[i-l] {
			return false
		}
	}
	return true
}

// findLoop locates the earliest completed loop in text and returns the cut
// offset keeping exactly one occurrence of the pattern. One linear scan per
// candidate length.
func findLoop(text string, cfg session.LoopDetectionConfig) (cut, patternLen int, found bool) {
	bytes := []byte(text)
	bestCut := len(bytes)
	bestLen := 0
	for l := cfg.MinPatternLen; l <= cfg.MaxPatternLen; l++ {
		need := l * (cfg.MinRepetitions - 1)
		run := 0
		for i := l; i < len(bytes); i++ {
			if bytes[i] == bytes[i-l] {
				run++
				if run >= need {
					// Loop spans [i+1-need-l, i]; keep the first occurrence.
					start := i + 1 - need - l
					if start+l < bestCut {
						bestCut = start + l
						bestLen = l
					}
					break
				}
			} else {
				run = 0
			}
		}
	}
	if bestLen == 0 {
		return 0, 0, false
	}
	return bestCut, bestLen, true
}
