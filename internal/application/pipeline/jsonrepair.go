package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/infrastructure/config"
	"github.com/modelgate/modelgate/internal/infrastructure/connector"
	"github.com/modelgate/modelgate/internal/infrastructure/metrics"
	"github.com/modelgate/modelgate/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

const defaultBufferCap = 1 << 20

// JSONRepairMiddleware repairs almost-JSON model output and optionally
// coerces it against registered schemas. Valid JSON passes through
// unchanged, so the transform is idempotent.
type JSONRepairMiddleware struct {
	cfg     config.JSONRepairConfig
	schemas map[string]*jsonschema.Schema
	logger  *zap.Logger
	metrics *metrics.Metrics
}

var _ Middleware = (*JSONRepairMiddleware)(nil)

// NewJSONRepairMiddleware compiles the configured schemas. Schema values
// starting with "@" load from the named file.
func NewJSONRepairMiddleware(cfg config.JSONRepairConfig, logger *zap.Logger, m *metrics.Metrics) (*JSONRepairMiddleware, error) {
	if cfg.BufferCapBytes <= 0 {
		cfg.BufferCapBytes = defaultBufferCap
	}
	schemas := make(map[string]*jsonschema.Schema, len(cfg.Schemas))
	for name, raw := range cfg.Schemas {
		if strings.HasPrefix(raw, "@") {
			data, err := os.ReadFile(strings.TrimPrefix(raw, "@"))
			if err != nil {
				return nil, fmt.Errorf("schema %s: %w", name, err)
			}
			raw = string(data)
		}
		compiler := jsonschema.NewCompiler()
		compiler.ExtractAnnotations = true
		if err := compiler.AddResource(name+".schema.json", strings.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		compiled, err := compiler.Compile(name + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		schemas[name] = compiled
	}
	return &JSONRepairMiddleware{
		cfg:     cfg,
		schemas: schemas,
		logger:  logger.With(zap.String("middleware", "json_repair")),
		metrics: m,
	}, nil
}

func (j *JSONRepairMiddleware) Name() string { return "json_repair" }

func (j *JSONRepairMiddleware) OnResponse(req *Request, resp *entity.ChatResponse) (*entity.ChatResponse, error) {
	if !j.cfg.Enabled || len(resp.Choices) == 0 {
		return resp, nil
	}
	choice := &resp.Choices[0]

	// Tool call arguments are always JSON; repair each.
	for i := range choice.Message.ToolCalls {
		call := &choice.Message.ToolCalls[i]
		repaired, changed, err := j.repairPayload(call.Name, call.Arguments)
		if err != nil {
			return nil, err
		}
		if changed {
			call.Arguments = repaired
			j.annotate(resp, "tool_arguments")
		}
	}

	// Message content is repaired only when a JSON region is present.
	text := choice.Message.Text()
	region, ok := extractJSONRegion(text)
	if !ok {
		return resp, nil
	}
	repaired, changed, err := j.repairPayload(req.Model, region)
	if err != nil {
		return nil, err
	}
	if changed || region != text {
		choice.Message.Content = repaired
		choice.Message.Parts = nil
		j.annotate(resp, "content")
	}
	return resp, nil
}

func (j *JSONRepairMiddleware) annotate(resp *entity.ChatResponse, what string) {
	if resp.Metadata == nil {
		resp.Metadata = map[string]interface{}{}
	}
	resp.Metadata["json_repaired"] = what
	j.metrics.JSONRepairsTotal.WithLabelValues("repaired").Inc()
}

// repairPayload returns the repaired (and possibly coerced) payload. changed
// is false when the input was already valid and needed no coercion.
func (j *JSONRepairMiddleware) repairPayload(schemaKey, payload string) (out string, changed bool, err error) {
	out = payload
	if !json.Valid([]byte(payload)) {
		repaired, repairErr := jsonrepair.JSONRepair(payload)
		if repairErr != nil || !json.Valid([]byte(repaired)) {
			if j.cfg.StrictMode {
				return "", false, errors.Wrap(errors.KindValidation, "payload is not repairable JSON", repairErr)
			}
			j.metrics.JSONRepairsTotal.WithLabelValues("unrepairable").Inc()
			return payload, false, nil
		}
		out = repaired
		changed = true
	}

	schema, ok := j.schemas[schemaKey]
	if !ok || !j.cfg.CoercionEnabled {
		return out, changed, nil
	}

	var value interface{}
	if err := json.Unmarshal([]byte(out), &value); err != nil {
		return out, changed, nil
	}
	coerced := coerceValue(value, schema)
	if err := schema.Validate(coerced); err != nil {
		if j.cfg.StrictMode {
			return "", false, errors.Wrap(errors.KindTranslation, "payload violates schema "+schemaKey, err)
		}
		j.logger.Debug("Schema validation failed after coercion",
			zap.String("schema", schemaKey), zap.Error(err))
		return out, changed, nil
	}
	encoded, err := json.Marshal(coerced)
	if err != nil {
		return out, changed, nil
	}
	if string(encoded) != out {
		j.metrics.JSONRepairsTotal.WithLabelValues("coerced").Inc()
		return string(encoded), true, nil
	}
	return out, changed, nil
}

// WrapStream buffers text deltas until the braces balance, then emits one
// repaired JSON payload. Trailing free text after the balanced region is
// dropped. When the buffer cap is exceeded the raw buffer is released
// unmodified.
func (j *JSONRepairMiddleware) WrapStream(req *Request, stream connector.Stream) connector.Stream {
	if !j.cfg.Enabled {
		return stream
	}

	var (
		buf      strings.Builder
		tracker  braceTracker
		emitted  bool
		template *entity.StreamChunk
	)

	emitRepaired := func() []*entity.StreamChunk {
		if emitted || buf.Len() == 0 {
			return nil
		}
		emitted = true
		payload := buf.String()
		repaired, _, err := j.repairPayload(req.Model, payload)
		if err != nil {
			// Strict-mode violation: surface as terminal error chunk content.
			repaired = payload
		}
		out := *template
		out.Choices = []entity.StreamChoice{{Delta: entity.Delta{Content: repaired}}}
		return []*entity.StreamChunk{&out}
	}

	q := &queueStream{inner: stream}
	q.next = func(chunk *entity.StreamChunk) ([]*entity.StreamChunk, bool) {
		if template == nil {
			cp := *chunk
			cp.Choices = nil
			cp.Usage = nil
			template = &cp
		}

		delta := chunk.TextDelta()
		finish := chunk.FinishReason()

		// Chunks with no text (tool deltas, role headers) pass through.
		if delta == "" && finish == "" {
			return []*entity.StreamChunk{chunk}, false
		}

		if delta != "" && !emitted {
			buf.WriteString(delta)
			tracker.feed(delta)
			if buf.Len() > j.cfg.BufferCapBytes {
				// Cap exceeded: give up on repair, flush raw.
				emitted = true
				out := *template
				out.Choices = []entity.StreamChoice{{Delta: entity.Delta{Content: buf.String()}}}
				return []*entity.StreamChunk{&out}, false
			}
			if tracker.balanced() {
				return emitRepaired(), false
			}
			return nil, false
		}

		if finish != "" {
			out := emitRepaired()
			return append(out, chunk), false
		}
		// Text after the emitted JSON region is dropped.
		return nil, false
	}
	q.finish = func() []*entity.StreamChunk {
		return emitRepaired()
	}
	return q
}

// braceTracker follows brace depth outside JSON strings.
type braceTracker struct {
	depth    int
	started  bool
	inString bool
	escaped  bool
}

func (b *braceTracker) feed(s string) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if b.inString {
			switch {
			case b.escaped:
				b.escaped = false
			case c == '\\':
				b.escaped = true
			case c == '"':
				b.inString = false
			}
			continue
		}
		switch c {
		case '"':
			b.inString = true
		case '{', '[':
			b.depth++
			b.started = true
		case '}', ']':
			b.depth--
		}
	}
}

func (b *braceTracker) balanced() bool {
	return b.started && b.depth <= 0
}

// extractJSONRegion finds the most likely JSON payload in free text:
// a fenced code block first, then the first balanced brace region, then the
// whole string if it starts like JSON.
func extractJSONRegion(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}

	// Fenced block.
	if idx := strings.Index(trimmed, "```"); idx >= 0 {
		rest := trimmed[idx+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			lang := strings.TrimSpace(rest[:nl])
			body := rest[nl+1:]
			if end := strings.Index(body, "```"); end >= 0 {
				candidate := strings.TrimSpace(body[:end])
				if lang == "json" || lang == "" && looksLikeJSON(candidate) {
					return candidate, true
				}
			}
		}
	}

	// Balanced brace region.
	if start := strings.IndexAny(trimmed, "{["); start >= 0 {
		var t braceTracker
		for i := start; i < len(trimmed); i++ {
			t.feed(trimmed[i : i+1])
			if t.balanced() {
				return trimmed[start : i+1], true
			}
		}
		// Unterminated region still counts; repair may close it.
		if t.started {
			return trimmed[start:], true
		}
	}

	if looksLikeJSON(trimmed) {
		return trimmed, true
	}
	return "", false
}

func looksLikeJSON(s string) bool {
	if s == "" {
		return false
	}
	switch s[0] {
	case '{', '[', '"':
		return true
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return true
	}
	return s == "true" || s == "false" || s == "null"
}

// coerceValue walks the schema and nudges primitives toward the declared
// types: numeric strings to numbers, "true"/"false" to booleans, defaults
// injected for missing object keys, unknown keys dropped when the schema
// forbids additional properties.
func coerceValue(value interface{}, schema *jsonschema.Schema) interface{} {
	if schema == nil {
		return value
	}
	switch v := value.(type) {
	case map[string]interface{}:
		for key, child := range v {
			if childSchema, ok := schema.Properties[key]; ok {
				v[key] = coerceValue(child, childSchema)
			} else if allowed, isBool := schema.AdditionalProperties.(bool); isBool && !allowed {
				delete(v, key)
			}
		}
		for key, childSchema := range schema.Properties {
			if _, present := v[key]; !present && childSchema.Default != nil {
				v[key] = childSchema.Default
			}
		}
		return v
	case []interface{}:
		if itemSchema, ok := schema.Items.(*jsonschema.Schema); ok {
			for i := range v {
				v[i] = coerceValue(v[i], itemSchema)
			}
		}
		return v
	case string:
		return coerceString(v, schema.Types)
	default:
		return value
	}
}

func coerceString(s string, types []string) interface{} {
	for _, t := range types {
		switch t {
		case "integer":
			if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
				return n
			}
		case "number":
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f
			}
		case "boolean":
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "true":
				return true
			case "false":
				return false
			}
		}
	}
	return s
}
