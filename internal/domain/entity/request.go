package entity

import (
	"strings"

	"github.com/modelgate/modelgate/pkg/errors"
)

// Message roles in the canonical model.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ContentPart kinds.
const (
	PartText  = "text"
	PartImage = "image"
	PartAudio = "audio"
	PartFile  = "file"
)

// ReasoningEffort levels accepted on a request.
const (
	EffortLow    = "low"
	EffortMedium = "medium"
	EffortHigh   = "high"
)

// ContentPart is one element of a multimodal message. Text parts carry Text;
// binary parts carry a URL or base64 Data plus a MIME type.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// ToolCall is an assistant-requested tool invocation. Arguments is the raw
// JSON argument string as produced by the upstream model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is a single conversation turn in the canonical model. Content and
// Parts are mutually exclusive: plain text messages use Content, multimodal
// messages use Parts.
type Message struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	Name       string        `json:"name,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`   // assistant only
	ToolCallID string        `json:"tool_call_id,omitempty"` // tool only
}

// Text returns the textual content of the message, flattening parts.
func (m *Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// IsEmpty reports whether the message carries no forwardable content.
func (m *Message) IsEmpty() bool {
	return strings.TrimSpace(m.Text()) == "" && len(m.ToolCalls) == 0 &&
		!hasBinaryPart(m.Parts)
}

func hasBinaryPart(parts []ContentPart) bool {
	for _, p := range parts {
		if p.Type != PartText {
			return true
		}
	}
	return false
}

// ToolSpec declares a tool the model may call.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ChatRequest is the canonical internal chat request, independent of any
// wire dialect. It is created per HTTP request and frozen after command
// stripping and session state projection.
type ChatRequest struct {
	Messages        []Message              `json:"messages"`
	Model           string                 `json:"model"` // route name or "backend:model"
	Stream          bool                   `json:"stream"`
	Temperature     *float64               `json:"temperature,omitempty"`
	TopP            *float64               `json:"top_p,omitempty"`
	TopK            *int                   `json:"top_k,omitempty"`
	MaxTokens       *int                   `json:"max_tokens,omitempty"`
	StopSequences   []string               `json:"stop_sequences,omitempty"`
	ReasoningEffort string                 `json:"reasoning_effort,omitempty"` // low | medium | high
	ThinkingBudget  *int                   `json:"thinking_budget,omitempty"`
	Tools           []ToolSpec             `json:"tools,omitempty"`
	ToolChoice      interface{}            `json:"tool_choice,omitempty"`
	Extra           map[string]interface{} `json:"extra,omitempty"`
}

// Validate checks structural invariants. Messages must be non-empty after
// command stripping.
func (r *ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return errors.Validation("messages array must not be empty")
	}
	for i := range r.Messages {
		switch r.Messages[i].Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return errors.Validation("unknown message role: " + r.Messages[i].Role)
		}
	}
	return nil
}

// LastUserIndex returns the index of the trailing user message eligible for
// command parsing, or -1 when the final message is not a user turn.
func (r *ChatRequest) LastUserIndex() int {
	if n := len(r.Messages); n > 0 && r.Messages[n-1].Role == RoleUser {
		return n - 1
	}
	return -1
}

// Clone returns a deep-enough copy: the message slice and pointer-valued
// sampling parameters are copied so command stripping and state projection
// never mutate the caller's request.
func (r *ChatRequest) Clone() *ChatRequest {
	cp := *r
	cp.Messages = make([]Message, len(r.Messages))
	copy(cp.Messages, r.Messages)
	cp.Temperature = cloneFloat(r.Temperature)
	cp.TopP = cloneFloat(r.TopP)
	cp.TopK = cloneInt(r.TopK)
	cp.MaxTokens = cloneInt(r.MaxTokens)
	cp.ThinkingBudget = cloneInt(r.ThinkingBudget)
	if r.StopSequences != nil {
		cp.StopSequences = append([]string(nil), r.StopSequences...)
	}
	return &cp
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Float64Ptr is a literal helper for optional sampling parameters.
func Float64Ptr(v float64) *float64 { return &v }

// IntPtr is a literal helper for optional integer parameters.
func IntPtr(v int) *int { return &v }
