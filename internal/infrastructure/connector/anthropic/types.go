package anthropic

import "encoding/json"

// Wire types for the Anthropic Messages API. Shared by the upstream connector
// and the gateway's Anthropic-compatible frontend.

const (
	apiVersion = "2023-06-01"

	defaultMaxTokens = 4096
)

type wireBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *wireImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type wireImageSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// wireContent is either a plain string or an array of blocks on the wire.
type wireContent struct {
	Text   string
	Blocks []wireBlock
	IsArr  bool
}

func (c wireContent) MarshalJSON() ([]byte, error) {
	if c.IsArr {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

func (c *wireContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		c.IsArr = true
		return json.Unmarshal(data, &c.Blocks)
	}
	c.IsArr = false
	return json.Unmarshal(data, &c.Text)
}

type wireMessage struct {
	Role    string      `json:"role"` // "user" or "assistant"
	Content wireContent `json:"content"`
}

type wireTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

type wireThinking struct {
	Type         string `json:"type"` // "enabled"
	BudgetTokens int    `json:"budget_tokens"`
}

// Request is an Anthropic Messages API request.
type Request struct {
	Model         string        `json:"model"`
	MaxTokens     int           `json:"max_tokens"`
	System        string        `json:"system,omitempty"`
	Messages      []wireMessage `json:"messages"`
	Stream        bool          `json:"stream,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	TopP          *float64      `json:"top_p,omitempty"`
	TopK          *int          `json:"top_k,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	Tools         []wireTool    `json:"tools,omitempty"`
	Thinking      *wireThinking `json:"thinking,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is an Anthropic Messages API non-streaming response.
type Response struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Role       string      `json:"role"`
	Model      string      `json:"model"`
	Content    []wireBlock `json:"content"`
	StopReason string      `json:"stop_reason"`
	Usage      wireUsage   `json:"usage"`
}

// Streaming event payloads. Each SSE event names its type both in the event
// field and in the JSON body.

type streamEvent struct {
	Type string `json:"type"`

	// message_start
	Message *Response `json:"message,omitempty"`

	// content_block_start / content_block_delta / content_block_stop
	Index        int          `json:"index"`
	ContentBlock *wireBlock   `json:"content_block,omitempty"`
	Delta        *streamDelta `json:"delta,omitempty"`

	// message_delta
	Usage *wireUsage `json:"usage,omitempty"`
}

type streamDelta struct {
	Type string `json:"type,omitempty"`

	// text_delta
	Text string `json:"text,omitempty"`

	// input_json_delta
	PartialJSON string `json:"partial_json,omitempty"`

	// message_delta
	StopReason string `json:"stop_reason,omitempty"`
}

// ModelList is the /v1/models response envelope.
type ModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}
