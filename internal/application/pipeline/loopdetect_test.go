package pipeline

import (
	"io"
	"strings"
	"testing"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/domain/session"
	"github.com/modelgate/modelgate/internal/infrastructure/connector"
	"github.com/modelgate/modelgate/internal/infrastructure/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// sliceStream replays canned chunks; Closed records upstream release.
type sliceStream struct {
	chunks []*entity.StreamChunk
	pos    int
	closed bool
}

func (s *sliceStream) Recv() (*entity.StreamChunk, error) {
	if s.pos >= len(s.chunks) {
		return nil, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

func textChunk(text string) *entity.StreamChunk {
	return &entity.StreamChunk{
		ID:      "c1",
		Model:   "m",
		Choices: []entity.StreamChoice{{Delta: entity.Delta{Content: text}}},
	}
}

func finishChunk(reason string) *entity.StreamChunk {
	return &entity.StreamChunk{
		ID:      "c1",
		Model:   "m",
		Choices: []entity.StreamChoice{{FinishReason: reason}},
	}
}

func drain(t *testing.T, s connector.Stream) []*entity.StreamChunk {
	t.Helper()
	var out []*entity.StreamChunk
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		out = append(out, chunk)
	}
}

func testLoopRequest(cfg session.LoopDetectionConfig) *Request {
	st := session.NewState()
	st.LoopDetection = cfg
	return &Request{SessionID: "s1", Backend: "b", Model: "m", State: st}
}

func newLoopDetector() *ContentLoopDetector {
	return NewContentLoopDetector(zap.NewNop(), metrics.New(prometheus.NewRegistry()))
}

func TestFindLoop_Detects(t *testing.T) {
	cfg := session.LoopDetectionConfig{Enabled: true, MinPatternLen: 3, MaxPatternLen: 16, MinRepetitions: 4}
	text := "prefix " + strings.Repeat("abc", 6)
	cut, patternLen, found := findLoop(text, cfg)
	if !found {
		t.Fatal("loop not detected")
	}
	if patternLen != 3 {
		t.Fatalf("pattern length = %d", patternLen)
	}
	// One occurrence of the pattern is kept after the cut.
	if got := text[:cut]; !strings.HasSuffix(got, "abc") || strings.HasSuffix(got, "abcabc") {
		t.Fatalf("cut text = %q", got)
	}
}

func TestFindLoop_NoFalsePositive(t *testing.T) {
	cfg := session.LoopDetectionConfig{Enabled: true, MinPatternLen: 3, MaxPatternLen: 16, MinRepetitions: 4}
	if _, _, found := findLoop("the quick brown fox jumps over the lazy dog", cfg); found {
		t.Fatal("non-repeating text flagged")
	}
	// Below the repetition threshold.
	if _, _, found := findLoop(strings.Repeat("abc", 3), cfg); found {
		t.Fatal("three repetitions flagged with threshold four")
	}
}

func TestOnResponse_TruncatesLoop(t *testing.T) {
	d := newLoopDetector()
	cfg := session.LoopDetectionConfig{Enabled: true, MinPatternLen: 3, MaxPatternLen: 16, MinRepetitions: 4}
	resp := &entity.ChatResponse{
		Choices: []entity.Choice{{
			Message:      entity.Message{Role: entity.RoleAssistant, Content: "answer " + strings.Repeat("xyz", 10)},
			FinishReason: entity.FinishStop,
		}},
	}
	out, err := d.OnResponse(testLoopRequest(cfg), resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Choices[0].FinishReason != entity.FinishContentFilter {
		t.Fatalf("finish reason = %s", out.Choices[0].FinishReason)
	}
	if !strings.Contains(out.Choices[0].Message.Content, "repeating pattern detected") {
		t.Fatalf("notice missing: %q", out.Choices[0].Message.Content)
	}
	if out.Metadata["loop_detected"] == nil {
		t.Fatal("metadata annotation missing")
	}
}

func TestOnResponse_DisabledPassesThrough(t *testing.T) {
	d := newLoopDetector()
	cfg := session.LoopDetectionConfig{Enabled: false, MinPatternLen: 3, MaxPatternLen: 16, MinRepetitions: 4}
	resp := &entity.ChatResponse{
		Choices: []entity.Choice{{Message: entity.Message{Content: strings.Repeat("abc", 10)}}},
	}
	out, err := d.OnResponse(testLoopRequest(cfg), resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Choices[0].FinishReason == entity.FinishContentFilter {
		t.Fatal("disabled detector still fired")
	}
}

func TestWrapStream_TerminatesOnLoop(t *testing.T) {
	d := newLoopDetector()
	cfg := session.LoopDetectionConfig{Enabled: true, MinPatternLen: 3, MaxPatternLen: 8, MinRepetitions: 4}

	inner := &sliceStream{chunks: []*entity.StreamChunk{
		textChunk("hello "),
		textChunk("abcabc"),
		textChunk("abcabc"),
		textChunk("never reached"),
		finishChunk(entity.FinishStop),
	}}
	out := drain(t, d.WrapStream(testLoopRequest(cfg), inner))

	last := out[len(out)-1]
	if last.FinishReason() != entity.FinishContentFilter {
		t.Fatalf("terminal finish = %q", last.FinishReason())
	}
	if !inner.closed {
		t.Fatal("early termination must close the upstream")
	}
	// The chunk after detection was never pulled.
	for _, c := range out {
		if strings.Contains(c.TextDelta(), "never reached") {
			t.Fatal("stream kept pulling after termination")
		}
	}
}

func TestWrapStream_CutsTriggeringChunkAtLoopBoundary(t *testing.T) {
	d := newLoopDetector()
	cfg := session.LoopDetectionConfig{Enabled: true, MinPatternLen: 3, MaxPatternLen: 8, MinRepetitions: 3}

	// One coarse chunk carries a fourth repetition past the threshold; the
	// extra bytes must not reach the client.
	inner := &sliceStream{chunks: []*entity.StreamChunk{
		textChunk("abcabcabcabc"),
		finishChunk(entity.FinishStop),
	}}
	out := drain(t, d.WrapStream(testLoopRequest(cfg), inner))

	var visible strings.Builder
	for _, c := range out {
		if c.FinishReason() == "" {
			visible.WriteString(c.TextDelta())
		}
	}
	if visible.String() != "abcabcabc" {
		t.Fatalf("visible text = %q", visible.String())
	}
	if out[len(out)-1].FinishReason() != entity.FinishContentFilter {
		t.Fatalf("terminal finish = %q", out[len(out)-1].FinishReason())
	}
}

func TestLoopScanner_RepetitionBoundary(t *testing.T) {
	cfg := session.LoopDetectionConfig{Enabled: true, MinPatternLen: 3, MaxPatternLen: 8, MinRepetitions: 3}

	// One byte short of min_pattern_len * min_repetitions stays silent.
	short := newLoopScanner(cfg)
	if _, _, found := short.feed("abcabcab"); found {
		t.Fatal("flagged one byte short of the threshold")
	}

	exact := newLoopScanner(cfg)
	patternLen, consumed, found := exact.feed("abcabcabc")
	if !found || patternLen != 3 {
		t.Fatalf("exact threshold: found=%v patternLen=%d", found, patternLen)
	}
	if consumed != 9 {
		t.Fatalf("consumed = %d", consumed)
	}

	// The missing byte completes the loop on the next delta.
	if _, consumed, found := short.feed("c"); !found || consumed != 1 {
		t.Fatalf("cross-delta completion: found=%v consumed=%d", found, consumed)
	}
}

func TestWrapStream_CleanStreamUntouched(t *testing.T) {
	d := newLoopDetector()
	cfg := session.LoopDetectionConfig{Enabled: true, MinPatternLen: 3, MaxPatternLen: 8, MinRepetitions: 4}

	inner := &sliceStream{chunks: []*entity.StreamChunk{
		textChunk("a perfectly "),
		textChunk("normal answer"),
		finishChunk(entity.FinishStop),
	}}
	out := drain(t, d.WrapStream(testLoopRequest(cfg), inner))
	if len(out) != 3 {
		t.Fatalf("chunk count = %d", len(out))
	}
	if out[2].FinishReason() != entity.FinishStop {
		t.Fatalf("finish = %q", out[2].FinishReason())
	}
}
