package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/infrastructure/connector"
	"go.uber.org/zap"
)

const (
	defaultBaseURL    = "https://generativelanguage.googleapis.com"
	codeAssistBaseURL = "https://cloudcode-pa.googleapis.com"
)

func init() {
	connector.RegisterFactory("gemini", func(cfg connector.Config, client *http.Client, logger *zap.Logger) connector.Connector {
		return NewConnector(cfg, client, logger)
	})
}

// Connector speaks the Gemini generateContent API. When a project id is
// configured it uses the Code Assist v1internal surface with OAuth bearer
// auth; otherwise the public surface with API key auth.
type Connector struct {
	name         string
	baseURL      string
	projectID    string
	staticModels []string
	extraHeaders map[string]string
	client       *http.Client
	logger       *zap.Logger
	modelCache   *connector.ModelCache

	idleTimeout time.Duration
}

var _ connector.Connector = (*Connector)(nil)

// NewConnector creates a Gemini connector.
func NewConnector(cfg connector.Config, client *http.Client, logger *zap.Logger) *Connector {
	baseURL := cfg.APIURL
	if baseURL == "" {
		if cfg.ProjectID != "" {
			baseURL = codeAssistBaseURL
		} else {
			baseURL = defaultBaseURL
		}
	}
	return &Connector{
		name:         cfg.Name,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		projectID:    cfg.ProjectID,
		staticModels: cfg.Models,
		extraHeaders: cfg.ExtraHeaders,
		client:       client,
		logger:       logger.With(zap.String("connector", cfg.Name), zap.String("type", "gemini")),
		modelCache:   connector.NewModelCache(0),
		idleTimeout:  90 * time.Second,
	}
}

func (c *Connector) Name() string { return c.name }
func (c *Connector) Type() string { return "gemini" }

func (c *Connector) codeAssist() bool { return c.projectID != "" }

func (c *Connector) newRequest(ctx context.Context, method, url string, body io.Reader, key connector.Key) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if c.codeAssist() {
		httpReq.Header.Set("Authorization", "Bearer "+key.Secret)
	} else {
		httpReq.Header.Set("x-goog-api-key", key.Secret)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.extraHeaders {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (c *Connector) generateURL(model string, stream bool) string {
	verb := "generateContent"
	if stream {
		verb = "streamGenerateContent?alt=sse"
	}
	if c.codeAssist() {
		return fmt.Sprintf("%s/v1internal:%s", c.baseURL, verb)
	}
	return fmt.Sprintf("%s/v1beta/models/%s:%s", c.baseURL, model, verb)
}

func (c *Connector) marshalBody(req *entity.ChatRequest, model string) ([]byte, error) {
	wire := EncodeRequest(req)
	if c.codeAssist() {
		return json.Marshal(&codeAssistRequest{
			Model:   model,
			Project: c.projectID,
			Request: wire,
		})
	}
	return json.Marshal(wire)
}

// ChatCompletion performs a non-streaming generateContent call.
func (c *Connector) ChatCompletion(ctx context.Context, req *entity.ChatRequest, model string, key connector.Key) (*entity.ChatResponse, error) {
	payload, err := c.marshalBody(req, model)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, c.generateURL(model, false), bytes.NewReader(payload), key)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, connector.MapTransportError(c.name, model, key.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, connector.MapTransportError(c.name, model, key.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, connector.MapHTTPError(c.name, model, key.Name, resp, body)
	}

	wireResp, err := c.unmarshalResponse(body)
	if err != nil {
		return nil, connector.ProtocolError(c.name, model, key.Name, err)
	}
	return DecodeResponse(wireResp, model), nil
}

func (c *Connector) unmarshalResponse(body []byte) (*Response, error) {
	if c.codeAssist() {
		var envelope codeAssistResponse
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, err
		}
		if envelope.Response == nil {
			return nil, fmt.Errorf("code assist envelope missing response")
		}
		return envelope.Response, nil
	}
	var wireResp Response
	if err := json.Unmarshal(body, &wireResp); err != nil {
		return nil, err
	}
	return &wireResp, nil
}

// StreamChatCompletion performs a streaming generateContent call.
func (c *Connector) StreamChatCompletion(ctx context.Context, req *entity.ChatRequest, model string, key connector.Key) (connector.Stream, error) {
	payload, err := c.marshalBody(req, model)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, c.generateURL(model, true), bytes.NewReader(payload), key)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, connector.MapTransportError(c.name, model, key.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		return nil, connector.MapHTTPError(c.name, model, key.Name, resp, body)
	}

	stop := connector.CloseOnCancel(ctx, resp.Body)
	return &sseStream{
		backend:    c.name,
		model:      model,
		keyName:    key.Name,
		codeAssist: c.codeAssist(),
		body:       resp.Body,
		events:     connector.NewEventReader(resp.Body, c.idleTimeout),
		stop:       stop,
	}, nil
}

// ListModels fetches the provider's model ids, preferring the configured
// static list when present. The Code Assist surface has no listing endpoint,
// so those backends must configure models statically.
func (c *Connector) ListModels(ctx context.Context, key connector.Key) ([]string, error) {
	if len(c.staticModels) > 0 {
		return append([]string(nil), c.staticModels...), nil
	}
	if c.codeAssist() {
		c.logger.Warn("Code Assist surface has no model listing; configure a static models list for this backend")
		return nil, nil
	}
	return c.modelCache.Get(ctx, func(ctx context.Context) ([]string, error) {
		httpReq, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/v1beta/models", nil, key)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(httpReq)
		if err != nil {
			return nil, connector.MapTransportError(c.name, "", key.Name, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, connector.MapTransportError(c.name, "", key.Name, err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, connector.MapHTTPError(c.name, "", key.Name, resp, body)
		}

		var list ModelList
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, connector.ProtocolError(c.name, "", key.Name, err)
		}
		ids := make([]string, 0, len(list.Models))
		for _, m := range list.Models {
			ids = append(ids, strings.TrimPrefix(m.Name, "models/"))
		}
		return ids, nil
	})
}
