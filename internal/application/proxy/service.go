// Package proxy is the request use-case: command processing, session state
// projection, dispatch and the response pipeline, in that order.
package proxy

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/modelgate/modelgate/internal/application/dispatch"
	"github.com/modelgate/modelgate/internal/application/pipeline"
	"github.com/modelgate/modelgate/internal/domain/command"
	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/domain/session"
	"github.com/modelgate/modelgate/internal/infrastructure/capture"
	"github.com/modelgate/modelgate/internal/infrastructure/connector"
	"github.com/modelgate/modelgate/internal/infrastructure/ratelimit"
	"go.uber.org/zap"
)

// Output is the result of one proxied request. Exactly one of Response and
// Stream is set.
type Output struct {
	Response *entity.ChatResponse
	Stream   connector.Stream
	Backend  string
	Model    string
	Attempts []dispatch.AttemptRecord
	// RateLimit reflects the serving key's bucket; nil for command-only
	// replies, which never consume a token.
	RateLimit *ratelimit.Decision
}

// Service wires the request path together. It owns no HTTP concerns; the
// interface layer handles dialect decode/encode around it.
type Service struct {
	engine     *command.Engine
	store      *session.Store
	dispatcher *dispatch.Dispatcher
	chain      *pipeline.Chain
	registry   *connector.Registry
	capture    *capture.Writer
	logger     *zap.Logger
}

// NewService creates the proxy use-case service.
func NewService(
	engine *command.Engine,
	store *session.Store,
	dispatcher *dispatch.Dispatcher,
	chain *pipeline.Chain,
	registry *connector.Registry,
	cap *capture.Writer,
	logger *zap.Logger,
) *Service {
	return &Service{
		engine:     engine,
		store:      store,
		dispatcher: dispatcher,
		chain:      chain,
		registry:   registry,
		capture:    cap,
		logger:     logger.With(zap.String("component", "proxy")),
	}
}

// Handle runs the full request path for one canonical request. clientKey is
// the authenticated client API key, used for client-scoped rate limiting.
func (s *Service) Handle(ctx context.Context, sessionID, clientKey string, req *entity.ChatRequest) (*Output, error) {
	outcome := s.engine.Process(sessionID, req)

	// Command-only requests synthesize a reply locally; the upstream is
	// never contacted.
	if outcome.CommandOnly {
		resp := command.SynthesizeResponse(
			"cmd_"+uuid.NewString(),
			req.Model,
			time.Now().Unix(),
			outcome.Results,
		)
		return &Output{Response: resp}, nil
	}

	projected := project(outcome.Request, outcome.State)
	if err := projected.Validate(); err != nil {
		return nil, err
	}

	s.captureRequest(sessionID, projected)

	result, err := s.dispatcher.Dispatch(ctx, projected, outcome.State, clientKey)

	// A one-off route is consumed by exactly one dispatch, successful or not.
	if outcome.State.OneOff != nil {
		s.store.Update(sessionID, func(st session.State) session.State {
			return st.ClearOneOff()
		})
	}
	if err != nil {
		return nil, err
	}

	preq := &pipeline.Request{
		SessionID: sessionID,
		Backend:   result.Backend,
		Model:     result.Model,
		State:     outcome.State,
	}

	if result.Stream != nil {
		s.capture.Write(capture.DirStreamStart, result.Backend, result.Model, sessionID, []byte("{}"))
		stream := s.chain.WrapStream(preq, result.Stream)
		stream = s.captureStream(stream, result.Backend, result.Model, sessionID)
		return &Output{
			Stream:    stream,
			Backend:   result.Backend,
			Model:     result.Model,
			Attempts:  result.Attempts,
			RateLimit: result.RateLimit,
		}, nil
	}

	resp, err := s.chain.OnResponse(preq, result.Response)
	if err != nil {
		return nil, err
	}
	if payload, merr := json.Marshal(resp); merr == nil {
		s.capture.Write(capture.DirInboundResponse, result.Backend, result.Model, sessionID, payload)
	}
	return &Output{
		Response:  resp,
		Backend:   result.Backend,
		Model:     result.Model,
		Attempts:  result.Attempts,
		RateLimit: result.RateLimit,
	}, nil
}

// project applies the session state onto the request: overrides for backend
// and model, reasoning defaults where the request is silent, and prompt
// prefix/suffix wrapping of the trailing user message. The request was
// already cloned by the command engine, so in-place edits are safe.
func project(req *entity.ChatRequest, state session.State) *entity.ChatRequest {
	switch {
	case state.OneOff != nil:
		// The dispatcher plans from the one-off; model is informational here.
		req.Model = state.OneOff.String()
	case state.ModelOverride != "":
		req.Model = state.ModelOverride
	case state.BackendOverride != "" && !entity.IsModelRef(req.Model):
		req.Model = state.BackendOverride + ":" + req.Model
	}

	r := state.Reasoning
	if req.ReasoningEffort == "" && r.Effort != "" && r.Effort != "none" {
		req.ReasoningEffort = r.Effort
	}
	if req.ThinkingBudget == nil && r.ThinkingBudget != nil {
		req.ThinkingBudget = entity.IntPtr(*r.ThinkingBudget)
	}
	if req.MaxTokens == nil && r.MaxTokens != nil {
		req.MaxTokens = entity.IntPtr(*r.MaxTokens)
	}
	if req.Temperature == nil && r.Temperature != nil {
		req.Temperature = entity.Float64Ptr(*r.Temperature)
	}
	if req.TopP == nil && r.TopP != nil {
		req.TopP = entity.Float64Ptr(*r.TopP)
	}

	if r.PromptPrefix != "" || r.PromptSuffix != "" {
		if idx := req.LastUserIndex(); idx >= 0 {
			msg := &req.Messages[idx]
			text := r.PromptPrefix + msg.Text() + r.PromptSuffix
			msg.Content = text
			msg.Parts = nil
		}
	}
	return req
}

func (s *Service) captureRequest(sessionID string, req *entity.ChatRequest) {
	if s.capture == nil {
		return
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return
	}
	s.capture.Write(capture.DirOutboundRequest, "", req.Model, sessionID, payload)
}

// captureStream tees stream chunks into the wire-capture log.
func (s *Service) captureStream(inner connector.Stream, backend, model, sessionID string) connector.Stream {
	if s.capture == nil {
		return inner
	}
	return &capturingStream{
		inner:     inner,
		capture:   s.capture,
		backend:   backend,
		model:     model,
		sessionID: sessionID,
	}
}

type capturingStream struct {
	inner     connector.Stream
	capture   *capture.Writer
	backend   string
	model     string
	sessionID string
	ended     bool
}

func (c *capturingStream) Recv() (*entity.StreamChunk, error) {
	chunk, err := c.inner.Recv()
	if err != nil {
		if !c.ended {
			c.ended = true
			c.capture.Write(capture.DirStreamEnd, c.backend, c.model, c.sessionID, []byte("{}"))
		}
		return nil, err
	}
	if payload, merr := json.Marshal(chunk); merr == nil {
		c.capture.Write(capture.DirStreamChunk, c.backend, c.model, c.sessionID, payload)
	}
	return chunk, nil
}

func (c *capturingStream) Close() error { return c.inner.Close() }

// ModelEntry is one aggregated model id with its owning backend.
type ModelEntry struct {
	Backend string
	Model   string
}

// ListModels aggregates model ids across all functional backends. Each entry
// is addressable as "backend:model". Backends that fail to list are skipped.
func (s *Service) ListModels(ctx context.Context) []ModelEntry {
	var out []ModelEntry
	for _, name := range s.registry.Names() {
		backend, ok := s.registry.Get(name)
		if !ok || !backend.Health().Functional {
			continue
		}
		keys := backend.ResolveKeys(ctx)
		if len(keys) == 0 {
			continue
		}
		models, err := backend.Conn.ListModels(ctx, keys[0])
		if err != nil {
			s.logger.Warn("Model listing failed",
				zap.String("backend", name), zap.Error(err))
			continue
		}
		for _, m := range models {
			out = append(out, ModelEntry{Backend: name, Model: m})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Backend != out[j].Backend {
			return out[i].Backend < out[j].Backend
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// Ready reports whether at least one backend is functional.
func (s *Service) Ready() bool {
	return s.registry.FunctionalCount() > 0
}

// SessionDefaults builds the per-session default state from configuration.
func SessionDefaults(prefix string, loop session.LoopDetectionConfig, tool session.ToolLoopConfig) func() session.State {
	return func() session.State {
		st := session.NewState()
		if prefix != "" {
			st.CommandPrefix = prefix
		}
		st.LoopDetection = loop
		st.ToolLoop = tool
		return st
	}
}
