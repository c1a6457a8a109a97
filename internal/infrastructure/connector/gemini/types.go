package gemini

// Wire types for the Gemini generateContent API. Shared by the upstream
// connector and the gateway's Gemini-compatible frontend.

type wirePart struct {
	Text string `json:"text,omitempty"`

	InlineData *wireInlineData `json:"inlineData,omitempty"`
	FileData   *wireFileData   `json:"fileData,omitempty"`

	FunctionCall     *wireFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *wireFunctionResponse `json:"functionResponse,omitempty"`
}

type wireInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type wireFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type wireFunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

type wireFunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response,omitempty"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"` // "user" or "model"
	Parts []wirePart `json:"parts"`
}

type wireThinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

type wireGenerationConfig struct {
	Temperature     *float64            `json:"temperature,omitempty"`
	TopP            *float64            `json:"topP,omitempty"`
	TopK            *int                `json:"topK,omitempty"`
	MaxOutputTokens *int                `json:"maxOutputTokens,omitempty"`
	StopSequences   []string            `json:"stopSequences,omitempty"`
	ThinkingConfig  *wireThinkingConfig `json:"thinkingConfig,omitempty"`
}

type wireFunctionDecl struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type wireTool struct {
	FunctionDeclarations []wireFunctionDecl `json:"functionDeclarations,omitempty"`
}

// Request is a Gemini generateContent request.
type Request struct {
	Contents          []wireContent         `json:"contents"`
	SystemInstruction *wireContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *wireGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []wireTool            `json:"tools,omitempty"`
}

type wireUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type wireCandidate struct {
	Content      wireContent `json:"content"`
	FinishReason string      `json:"finishReason,omitempty"`
	Index        int         `json:"index,omitempty"`
}

// Response is a Gemini generateContent response; streaming reuses the same
// shape per SSE event.
type Response struct {
	Candidates    []wireCandidate    `json:"candidates"`
	UsageMetadata *wireUsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string             `json:"modelVersion,omitempty"`
	ResponseID    string             `json:"responseId,omitempty"`
}

// Code Assist envelopes: the v1internal surface wraps the standard request
// and response bodies.

type codeAssistRequest struct {
	Model   string   `json:"model"`
	Project string   `json:"project,omitempty"`
	Request *Request `json:"request"`
}

type codeAssistResponse struct {
	Response *Response `json:"response"`
}

// ModelList is the /v1beta/models response envelope.
type ModelList struct {
	Models []struct {
		Name string `json:"name"` // "models/<id>"
	} `json:"models"`
}
