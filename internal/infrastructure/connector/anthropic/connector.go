package anthropic

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

const defaultBaseURL = "https://api.anthropic.com"

func init() {
	connector.RegisterFactory("anthropic", func(cfg connector.Config, client *http.Client, logger *zap.Logger) connector.Connector {
		return NewConnector(cfg, client, logger)
	})
}

// Connector speaks the Anthropic Messages API.
type Connector struct {
	name         string
	baseURL      string
	staticModels []string
	extraHeaders map[string]string
	client       *http.Client
	logger       *zap.Logger
	modelCache   *connector.ModelCache

	idleTimeout time.Duration
}

var _ connector.Connector = (*Connector)(nil)

// NewConnector creates an Anthropic connector.
func NewConnector(cfg connector.Config, client *http.Client, logger *zap.Logger) *Connector {
	baseURL := cfg.APIURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Connector{
		name:         cfg.Name,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		staticModels: cfg.Models,
		extraHeaders: cfg.ExtraHeaders,
		client:       client,
		logger:       logger.With(zap.String("connector", cfg.Name), zap.String("type", "anthropic")),
		modelCache:   connector.NewModelCache(0),
		idleTimeout:  90 * time.Second,
	}
}

func (c *Connector) Name() string { return c.name }
func (c *Connector) Type() string { return "anthropic" }

func (c *Connector) newRequest(ctx context.Context, method, path string, body io.Reader, key connector.Key) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-api-key", key.Secret)
	httpReq.Header.Set("anthropic-version", apiVersion)
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.extraHeaders {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// ChatCompletion performs a non-streaming Messages API call.
func (c *Connector) ChatCompletion(ctx context.Context, req *entity.ChatRequest, model string, key connector.Key) (*entity.ChatResponse, error) {
	wire := EncodeRequest(req, model)
	wire.Stream = false

	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/v1/messages", bytes.NewReader(payload), key)
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

	var wireResp Response
	if err := json.Unmarshal(body, &wireResp); err != nil {
		return nil, connector.ProtocolError(c.name, model, key.Name, err)
	}
	return DecodeResponse(&wireResp), nil
}

// StreamChatCompletion performs a streaming Messages API call.
func (c *Connector) StreamChatCompletion(ctx context.Context, req *entity.ChatRequest, model string, key connector.Key) (connector.Stream, error) {
	wire := EncodeRequest(req, model)
	wire.Stream = true

	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/v1/messages", bytes.NewReader(payload), key)
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
		backend:   c.name,
		model:     model,
		keyName:   key.Name,
		body:      resp.Body,
		events:    connector.NewEventReader(resp.Body, c.idleTimeout),
		stop:      stop,
		toolIndex: map[int]int{},
	}, nil
}

// ListModels fetches the provider's model ids, preferring the configured
// static list when present.
func (c *Connector) ListModels(ctx context.Context, key connector.Key) ([]string, error) {
	if len(c.staticModels) > 0 {
		return append([]string(nil), c.staticModels...), nil
	}
	return c.modelCache.Get(ctx, func(ctx context.Context) ([]string, error) {
		httpReq, err := c.newRequest(ctx, http.MethodGet, "/v1/models", nil, key)
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
		ids := make([]string, 0, len(list.Data))
		for _, m := range list.Data {
			ids = append(ids, m.ID)
		}
		return ids, nil
	})
}
