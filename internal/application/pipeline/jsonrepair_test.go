package pipeline

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/domain/session"
	"github.com/modelgate/modelgate/internal/infrastructure/config"
	"github.com/modelgate/modelgate/internal/infrastructure/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func newRepairMW(t *testing.T, cfg config.JSONRepairConfig) *JSONRepairMiddleware {
	t.Helper()
	cfg.Enabled = true
	mw, err := NewJSONRepairMiddleware(cfg, zap.NewNop(), metrics.New(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("middleware setup: %v", err)
	}
	return mw
}

func repairRequest() *Request {
	return &Request{SessionID: "s1", Backend: "b", Model: "extract", State: session.NewState()}
}

func toolCallResponse(args string) *entity.ChatResponse {
	return &entity.ChatResponse{
		Choices: []entity.Choice{{
			Message: entity.Message{
				Role:      entity.RoleAssistant,
				ToolCalls: []entity.ToolCall{{ID: "1", Name: "extract", Arguments: args}},
			},
			FinishReason: entity.FinishToolCalls,
		}},
	}
}

func TestOnResponse_RepairsToolArguments(t *testing.T) {
	mw := newRepairMW(t, config.JSONRepairConfig{})
	resp, err := mw.OnResponse(repairRequest(), toolCallResponse(`{name: 'value', "n": 1,}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	args := resp.Choices[0].Message.ToolCalls[0].Arguments
	if !json.Valid([]byte(args)) {
		t.Fatalf("arguments still invalid: %q", args)
	}
	var decoded map[string]interface{}
	json.Unmarshal([]byte(args), &decoded)
	if decoded["name"] != "value" {
		t.Fatalf("repair changed semantics: %v", decoded)
	}
}

func TestOnResponse_ValidJSONIdempotent(t *testing.T) {
	mw := newRepairMW(t, config.JSONRepairConfig{})
	original := `{"a":1,"b":"two"}`
	resp, err := mw.OnResponse(repairRequest(), toolCallResponse(original))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := resp.Choices[0].Message.ToolCalls[0].Arguments; got != original {
		t.Fatalf("valid JSON rewritten: %q", got)
	}
	if resp.Metadata["json_repaired"] != nil {
		t.Fatal("idempotent pass annotated as repaired")
	}
}

func TestOnResponse_ExtractsFencedBlock(t *testing.T) {
	mw := newRepairMW(t, config.JSONRepairConfig{})
	resp := &entity.ChatResponse{
		Choices: []entity.Choice{{
			Message: entity.Message{
				Role:    entity.RoleAssistant,
				Content: "Here is the result:\n```json\n{broken: true,}\n```\nhope that helps",
			},
			FinishReason: entity.FinishStop,
		}},
	}
	out, err := mw.OnResponse(repairRequest(), resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	content := out.Choices[0].Message.Content
	if !json.Valid([]byte(content)) {
		t.Fatalf("content not valid JSON: %q", content)
	}
}

func TestOnResponse_StrictModeRejectsSchemaViolation(t *testing.T) {
	mw := newRepairMW(t, config.JSONRepairConfig{
		StrictMode:      true,
		CoercionEnabled: true,
		Schemas: map[string]string{
			"extract": `{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`,
		},
	})
	if _, err := mw.OnResponse(repairRequest(), toolCallResponse(`{"other":"field"}`)); err == nil {
		t.Fatal("strict mode accepted a schema violation")
	}
}

func TestCoercion_StringsToDeclaredTypes(t *testing.T) {
	mw := newRepairMW(t, config.JSONRepairConfig{
		CoercionEnabled: true,
		Schemas: map[string]string{
			"extract": `{
				"type": "object",
				"properties": {
					"count": {"type": "integer"},
					"ratio": {"type": "number"},
					"active": {"type": "boolean"},
					"mode": {"type": "string", "default": "fast"}
				},
				"additionalProperties": false
			}`,
		},
	})
	resp, err := mw.OnResponse(repairRequest(), toolCallResponse(
		`{"count":"42","ratio":"0.5","active":"true","junk":"dropme"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.ToolCalls[0].Arguments), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["count"] != float64(42) {
		t.Fatalf("count not coerced: %v (%T)", decoded["count"], decoded["count"])
	}
	if decoded["ratio"] != 0.5 {
		t.Fatalf("ratio not coerced: %v", decoded["ratio"])
	}
	if decoded["active"] != true {
		t.Fatalf("active not coerced: %v", decoded["active"])
	}
	if decoded["mode"] != "fast" {
		t.Fatalf("default not injected: %v", decoded["mode"])
	}
	if _, ok := decoded["junk"]; ok {
		t.Fatal("unknown key survived with additionalProperties=false")
	}
}

func TestWrapStream_AssemblesFragmentedJSON(t *testing.T) {
	mw := newRepairMW(t, config.JSONRepairConfig{})
	inner := &sliceStream{chunks: []*entity.StreamChunk{
		textChunk(`{"result": `),
		textChunk(`{name: "x"`),
		textChunk(`}}`),
		finishChunk(entity.FinishStop),
	}}
	out := drain(t, mw.WrapStream(repairRequest(), inner))

	var payload string
	for _, c := range out {
		payload += c.TextDelta()
	}
	if !json.Valid([]byte(payload)) {
		t.Fatalf("assembled payload invalid: %q", payload)
	}
	if out[len(out)-1].FinishReason() != entity.FinishStop {
		t.Fatal("finish chunk lost")
	}
}

func TestWrapStream_TrailingTextDropped(t *testing.T) {
	mw := newRepairMW(t, config.JSONRepairConfig{})
	inner := &sliceStream{chunks: []*entity.StreamChunk{
		textChunk(`{"done": true}`),
		textChunk(` — let me know if you need anything else!`),
		finishChunk(entity.FinishStop),
	}}
	out := drain(t, mw.WrapStream(repairRequest(), inner))

	var payload string
	for _, c := range out {
		payload += c.TextDelta()
	}
	if strings.Contains(payload, "anything else") {
		t.Fatalf("trailing chatter leaked: %q", payload)
	}
	if !json.Valid([]byte(payload)) {
		t.Fatalf("payload invalid: %q", payload)
	}
}

func TestWrapStream_CapOverflowFlushesRaw(t *testing.T) {
	mw := newRepairMW(t, config.JSONRepairConfig{BufferCapBytes: 16})
	big := strings.Repeat("x", 64)
	inner := &sliceStream{chunks: []*entity.StreamChunk{
		textChunk(`{"blob":"` + big),
		finishChunk(entity.FinishStop),
	}}
	out := drain(t, mw.WrapStream(repairRequest(), inner))
	var payload string
	for _, c := range out {
		payload += c.TextDelta()
	}
	if !strings.Contains(payload, big) {
		t.Fatal("overflowed buffer was not flushed raw")
	}
}

func TestExtractJSONRegion(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a":1}`, `{"a":1}`, true},
		{"prefix {\"a\":1} suffix", `{"a":1}`, true},
		{"```json\n{\"a\":1}\n```", `{"a":1}`, true},
		{"no json here", "", false},
		{"open brace {\"a\": 1", "{\"a\": 1", true},
	}
	for _, c := range cases {
		got, ok := extractJSONRegion(c.in)
		if ok != c.ok || got != c.want {
			t.Fatalf("extractJSONRegion(%q) = %q,%v; want %q,%v", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestBraceTracker(t *testing.T) {
	var tr braceTracker
	tr.feed(`{"a": "val with } brace"`)
	if tr.balanced() {
		t.Fatal("brace inside string counted")
	}
	tr.feed(`}`)
	if !tr.balanced() {
		t.Fatal("balanced object not recognized")
	}
}
