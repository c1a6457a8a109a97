package handlers

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/modelgate/modelgate/internal/application/proxy"
	"github.com/modelgate/modelgate/internal/infrastructure/connector"
	"github.com/modelgate/modelgate/internal/infrastructure/connector/openai"
	"github.com/modelgate/modelgate/internal/infrastructure/metrics"
	"github.com/modelgate/modelgate/pkg/errors"
	"go.uber.org/zap"
)

// OpenAIHandler serves the OpenAI-compatible frontend surface.
type OpenAIHandler struct {
	svc     *proxy.Service
	metrics *metrics.Metrics
	timeout time.Duration
	logger  *zap.Logger
}

// NewOpenAIHandler creates the handler. timeout bounds the whole dispatch.
func NewOpenAIHandler(svc *proxy.Service, m *metrics.Metrics, timeout time.Duration, logger *zap.Logger) *OpenAIHandler {
	return &OpenAIHandler{svc: svc, metrics: m, timeout: timeout, logger: logger}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	start := time.Now()

	var wire openai.Request
	if err := c.ShouldBindJSON(&wire); err != nil {
		WriteError(c, errors.Wrap(errors.KindValidation, "invalid request body", err))
		h.metrics.RequestsTotal.WithLabelValues("openai", "error").Inc()
		return
	}

	req := openai.DecodeRequest(&wire)
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	out, err := h.svc.Handle(ctx, SessionID(c), ClientKey(c), req)
	if err != nil {
		WriteError(c, err)
		h.metrics.RequestsTotal.WithLabelValues("openai", "error").Inc()
		return
	}

	defer func() {
		h.metrics.RequestDuration.WithLabelValues("openai").Observe(time.Since(start).Seconds())
		h.metrics.RequestsTotal.WithLabelValues("openai", "ok").Inc()
	}()

	RateLimitHeaders(c, out.RateLimit)

	// A command-only reply arrives as a complete response even when the
	// client asked for a stream; synthesize a one-chunk stream in that case.
	if req.Stream {
		stream := out.Stream
		if stream == nil {
			stream = connector.NewSingleChunkStream(out.Response)
		}
		h.relayStream(c, stream)
		return
	}

	c.JSON(http.StatusOK, openai.EncodeResponse(out.Response))
}

func (h *OpenAIHandler) relayStream(c *gin.Context, stream connector.Stream) {
	defer stream.Close()

	w, ok := NewSSEWriter(c)
	if !ok {
		WriteError(c, errors.New(errors.KindInternal, "response writer does not support streaming"))
		return
	}
	h.metrics.ActiveStreams.Inc()
	defer h.metrics.ActiveStreams.Dec()

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			w.Done()
			return
		}
		if err != nil {
			// Mid-stream failure: terminal error event, then the sentinel.
			h.logger.Warn("Stream relay failed", zap.Error(err))
			w.Data(gin.H{
				"error": gin.H{
					"message": err.Error(),
					"type":    errors.WireType(err),
				},
			})
			w.Done()
			return
		}
		if err := w.Data(openai.EncodeChunk(chunk)); err != nil {
			// Client went away; the deferred Close cancels the upstream.
			return
		}
	}
}

// ListModels handles GET /v1/models. Each id is addressable backend:model.
func (h *OpenAIHandler) ListModels(c *gin.Context) {
	entries := h.svc.ListModels(c.Request.Context())
	list := openai.ModelList{Object: "list", Data: make([]openai.ModelInfo, 0, len(entries))}
	for _, e := range entries {
		list.Data = append(list.Data, openai.ModelInfo{
			ID:      e.Backend + ":" + e.Model,
			Object:  "model",
			OwnedBy: e.Backend,
		})
	}
	c.JSON(http.StatusOK, list)
}
