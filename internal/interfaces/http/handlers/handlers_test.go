package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/modelgate/modelgate/internal/application/dispatch"
	"github.com/modelgate/modelgate/internal/application/pipeline"
	"github.com/modelgate/modelgate/internal/application/proxy"
	"github.com/modelgate/modelgate/internal/domain/command"
	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/domain/session"
	"github.com/modelgate/modelgate/internal/infrastructure/connector"
	"github.com/modelgate/modelgate/internal/infrastructure/metrics"
	"github.com/modelgate/modelgate/internal/infrastructure/ratelimit"
	"github.com/modelgate/modelgate/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func init() { gin.SetMode(gin.TestMode) }

// stubConnector answers every upstream call with a canned response.
type stubConnector struct {
	calls int
	err   error
}

func (s *stubConnector) Name() string { return "openai" }
func (s *stubConnector) Type() string { return "stub" }

func (s *stubConnector) ChatCompletion(ctx context.Context, req *entity.ChatRequest, model string, key connector.Key) (*entity.ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &entity.ChatResponse{
		ID:    "resp_1",
		Model: model,
		Choices: []entity.Choice{{
			Message:      entity.Message{Role: entity.RoleAssistant, Content: "upstream says hi"},
			FinishReason: entity.FinishStop,
		}},
		Usage: entity.Usage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5},
	}, nil
}

func (s *stubConnector) StreamChatCompletion(ctx context.Context, req *entity.ChatRequest, model string, key connector.Key) (connector.Stream, error) {
	resp, err := s.ChatCompletion(ctx, req, model, key)
	if err != nil {
		return nil, err
	}
	return connector.NewSingleChunkStream(resp), nil
}

func (s *stubConnector) ListModels(ctx context.Context, key connector.Key) ([]string, error) {
	return []string{"gpt-4"}, nil
}

type routerOptions struct {
	authKeys    []string
	backendKeys []string
	rateLimit   int
}

// newTestRouter wires the full request path behind the real routes, with a
// stub upstream standing in for the provider.
func newTestRouter(t *testing.T, opts routerOptions) (*gin.Engine, *stubConnector) {
	t.Helper()
	log := zap.NewNop()

	keyNames := opts.backendKeys
	if len(keyNames) == 0 {
		keyNames = []string{"k1"}
	}
	keys := make([]connector.Key, 0, len(keyNames))
	for _, name := range keyNames {
		keys = append(keys, connector.Key{Name: name, Secret: "sk-" + name})
	}

	stub := &stubConnector{}
	reg := connector.NewRegistry()
	reg.Add(&connector.Backend{
		Name: "openai",
		Conn: stub,
		Keys: keys,
	})

	store := session.NewStore(time.Hour, session.NewState, log)
	cmdReg := command.NewRegistry()
	command.RegisterBuiltins(cmdReg)
	engine := command.NewEngine(store, cmdReg, log)

	m := metrics.New(prometheus.NewRegistry())
	limiter := ratelimit.New(opts.rateLimit, time.Minute, "")
	dispatcher := dispatch.NewDispatcher(dispatch.NewPlanner(reg, "openai"), limiter, m, log)
	svc := proxy.NewService(engine, store, dispatcher, pipeline.NewChain(), reg, nil, log)

	openaiHandler := NewOpenAIHandler(svc, m, time.Minute, log)
	anthropicHandler := NewAnthropicHandler(svc, m, time.Minute, log)
	geminiHandler := NewGeminiHandler(svc, m, time.Minute, log)

	router := gin.New()
	router.Use(SessionMiddleware())
	auth := AuthMiddleware(len(opts.authKeys) == 0, opts.authKeys, log)

	v1 := router.Group("/v1", auth)
	v1.POST("/chat/completions", openaiHandler.ChatCompletions)
	v1.POST("/messages", anthropicHandler.Messages)

	v1beta := router.Group("/v1beta", auth)
	v1beta.POST("/models/*modelAction", geminiHandler.Generate)

	return router, stub
}

func postJSON(router *gin.Engine, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestChatCompletions_NonStream(t *testing.T) {
	router, stub := newTestRouter(t, routerOptions{})

	w := postJSON(router, "/v1/chat/completions",
		`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if stub.calls != 1 {
		t.Fatalf("upstream calls = %d", stub.calls)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	choices := body["choices"].([]interface{})
	msg := choices[0].(map[string]interface{})["message"].(map[string]interface{})
	if msg["content"] != "upstream says hi" {
		t.Fatalf("content = %v", msg["content"])
	}
	if w.Header().Get("x-session-id") == "" {
		t.Fatal("session id not echoed")
	}
}

func TestSessionIDEchoed(t *testing.T) {
	router, _ := newTestRouter(t, routerOptions{})

	w := postJSON(router, "/v1/chat/completions",
		`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"x-session-id": "sess_fixed"})
	if got := w.Header().Get("x-session-id"); got != "sess_fixed" {
		t.Fatalf("session id = %q", got)
	}
}

func TestAuthMiddleware_HeaderVariants(t *testing.T) {
	router, _ := newTestRouter(t, routerOptions{authKeys: []string{"secret"}})
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`

	if w := postJSON(router, "/v1/chat/completions", body, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: status = %d", w.Code)
	}
	if w := postJSON(router, "/v1/chat/completions", body,
		map[string]string{"Authorization": "Bearer wrong"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d", w.Code)
	}
	for _, headers := range []map[string]string{
		{"Authorization": "Bearer secret"},
		{"x-api-key": "secret"},
		{"x-goog-api-key": "secret"},
	} {
		if w := postJSON(router, "/v1/chat/completions", body, headers); w.Code != http.StatusOK {
			t.Fatalf("headers %v: status = %d", headers, w.Code)
		}
	}
}

func TestChatCompletions_StreamRelay(t *testing.T) {
	router, _ := newTestRouter(t, routerOptions{})

	w := postJSON(router, "/v1/chat/completions",
		`{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	body := w.Body.String()
	if !strings.Contains(body, `"upstream says hi"`) {
		t.Fatalf("chunk missing: %s", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("terminal sentinel missing: %q", body)
	}
}

func TestChatCompletions_CommandOnlyStream(t *testing.T) {
	router, stub := newTestRouter(t, routerOptions{})

	// A command-only turn never reaches the upstream, even when the client
	// asked for a stream: the reply is synthesized as a one-chunk stream.
	w := postJSON(router, "/v1/chat/completions",
		`{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"!/hello"}]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if stub.calls != 0 {
		t.Fatalf("upstream called %d times for a command-only turn", stub.calls)
	}
	body := w.Body.String()
	if !strings.Contains(body, "hello from modelgate") {
		t.Fatalf("synthesized reply missing: %s", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("terminal sentinel missing: %q", body)
	}
}

func TestChatCompletions_CommandMutatesFollowingRequest(t *testing.T) {
	router, _ := newTestRouter(t, routerOptions{})
	headers := map[string]string{"x-session-id": "sess_cmd"}

	w := postJSON(router, "/v1/chat/completions",
		`{"model":"gpt-4","messages":[{"role":"user","content":"!/set(model=openai:gpt-4-turbo)"}]}`, headers)
	if w.Code != http.StatusOK {
		t.Fatalf("command turn: status = %d, body = %s", w.Code, w.Body.String())
	}

	w = postJSON(router, "/v1/chat/completions",
		`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`, headers)
	if w.Code != http.StatusOK {
		t.Fatalf("follow-up: status = %d", w.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["model"] != "gpt-4-turbo" {
		t.Fatalf("model override not applied: %v", body["model"])
	}
}

func TestChatCompletions_RateLimitHeaders(t *testing.T) {
	router, _ := newTestRouter(t, routerOptions{backendKeys: []string{"k1", "k2"}, rateLimit: 2})
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`

	// The first two requests drain k1's bucket; each reflects the budget
	// left after serving.
	for i, want := range []string{"1", "0"} {
		w := postJSON(router, "/v1/chat/completions", body, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, body = %s", i, w.Code, w.Body.String())
		}
		if got := w.Header().Get("x-ratelimit-limit"); got != "2" {
			t.Fatalf("request %d: limit header = %q", i, got)
		}
		if got := w.Header().Get("x-ratelimit-remaining"); got != want {
			t.Fatalf("request %d: remaining header = %q, want %q", i, got, want)
		}
	}

	// With k1 exhausted the next request fails over to k2, and the headers
	// report the serving key's bucket, not the skipped one's.
	w := postJSON(router, "/v1/chat/completions", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("failover request: status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("x-ratelimit-remaining"); got != "1" {
		t.Fatalf("failover remaining header = %q", got)
	}
}

func TestChatCompletions_NoRateLimitHeadersWhenDisabled(t *testing.T) {
	router, _ := newTestRouter(t, routerOptions{})

	w := postJSON(router, "/v1/chat/completions",
		`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("x-ratelimit-limit"); got != "" {
		t.Fatalf("limit header = %q with limiting disabled", got)
	}
}

func TestUpstreamExhausted_BadGateway(t *testing.T) {
	router, stub := newTestRouter(t, routerOptions{})
	stub.err = errors.Wrap(errors.KindUpstreamTransient, "backend down", nil)

	w := postJSON(router, "/v1/chat/completions",
		`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`, nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if body.Error.Type != "upstream_unavailable" {
		t.Fatalf("error type = %q", body.Error.Type)
	}
}

func TestChatCompletions_MalformedBody(t *testing.T) {
	router, _ := newTestRouter(t, routerOptions{})
	w := postJSON(router, "/v1/chat/completions", `{not json`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestAnthropicMessages_NonStream(t *testing.T) {
	router, _ := newTestRouter(t, routerOptions{})

	w := postJSON(router, "/v1/messages",
		`{"model":"gpt-4","max_tokens":256,"messages":[{"role":"user","content":"hi"}]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var body struct {
		StopReason string `json:"stop_reason"`
		Content    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if body.StopReason != "end_turn" {
		t.Fatalf("stop_reason = %q", body.StopReason)
	}
	if len(body.Content) != 1 || body.Content[0].Text != "upstream says hi" {
		t.Fatalf("content = %+v", body.Content)
	}
}

func TestGeminiGenerate_NonStream(t *testing.T) {
	router, _ := newTestRouter(t, routerOptions{})

	w := postJSON(router, "/v1beta/models/gpt-4:generateContent",
		`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var body struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	cand := body.Candidates[0]
	if cand.Content.Parts[0].Text != "upstream says hi" || cand.FinishReason != "STOP" {
		t.Fatalf("candidate = %+v", cand)
	}
}

func TestGeminiGenerate_UnknownAction(t *testing.T) {
	router, _ := newTestRouter(t, routerOptions{})
	w := postJSON(router, "/v1beta/models/gpt-4:countTokens", `{}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestSplitModelVerb(t *testing.T) {
	cases := []struct {
		in          string
		model, verb string
		ok          bool
	}{
		{"/gpt-4:generateContent", "gpt-4", "generateContent", true},
		{"/vertex:models/claude:streamGenerateContent", "vertex:models/claude", "streamGenerateContent", true},
		{"/no-verb", "", "", false},
		{"/:generateContent", "", "", false},
		{"/model:", "", "", false},
	}
	for _, c := range cases {
		model, verb, ok := splitModelVerb(c.in)
		if model != c.model || verb != c.verb || ok != c.ok {
			t.Fatalf("splitModelVerb(%q) = (%q, %q, %v)", c.in, model, verb, ok)
		}
	}
}
