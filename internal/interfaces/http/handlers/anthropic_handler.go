package handlers

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/modelgate/modelgate/internal/application/proxy"
	"github.com/modelgate/modelgate/internal/infrastructure/connector"
	"github.com/modelgate/modelgate/internal/infrastructure/connector/anthropic"
	"github.com/modelgate/modelgate/internal/infrastructure/metrics"
	"github.com/modelgate/modelgate/pkg/errors"
	"go.uber.org/zap"
)

// AnthropicHandler serves the Anthropic-compatible frontend surface.
type AnthropicHandler struct {
	svc     *proxy.Service
	metrics *metrics.Metrics
	timeout time.Duration
	logger  *zap.Logger
}

// NewAnthropicHandler creates the handler.
func NewAnthropicHandler(svc *proxy.Service, m *metrics.Metrics, timeout time.Duration, logger *zap.Logger) *AnthropicHandler {
	return &AnthropicHandler{svc: svc, metrics: m, timeout: timeout, logger: logger}
}

// Messages handles POST /v1/messages.
func (h *AnthropicHandler) Messages(c *gin.Context) {
	start := time.Now()

	var wire anthropic.Request
	if err := c.ShouldBindJSON(&wire); err != nil {
		WriteError(c, errors.Wrap(errors.KindValidation, "invalid request body", err))
		h.metrics.RequestsTotal.WithLabelValues("anthropic", "error").Inc()
		return
	}

	req := anthropic.DecodeRequest(&wire)
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	out, err := h.svc.Handle(ctx, SessionID(c), ClientKey(c), req)
	if err != nil {
		WriteError(c, err)
		h.metrics.RequestsTotal.WithLabelValues("anthropic", "error").Inc()
		return
	}

	defer func() {
		h.metrics.RequestDuration.WithLabelValues("anthropic").Observe(time.Since(start).Seconds())
		h.metrics.RequestsTotal.WithLabelValues("anthropic", "ok").Inc()
	}()

	RateLimitHeaders(c, out.RateLimit)

	if req.Stream {
		stream := out.Stream
		if stream == nil {
			stream = connector.NewSingleChunkStream(out.Response)
		}
		h.relayStream(c, stream, req.Model)
		return
	}

	c.JSON(http.StatusOK, anthropic.EncodeResponse(out.Response))
}

// relayStream re-frames canonical chunks as the Messages API event sequence.
func (h *AnthropicHandler) relayStream(c *gin.Context, stream connector.Stream, model string) {
	defer stream.Close()

	w, ok := NewSSEWriter(c)
	if !ok {
		WriteError(c, errors.New(errors.KindInternal, "response writer does not support streaming"))
		return
	}
	h.metrics.ActiveStreams.Inc()
	defer h.metrics.ActiveStreams.Dec()

	encoder := anthropic.NewStreamEncoder(model)
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			h.logger.Warn("Stream relay failed", zap.Error(err))
			w.RawData([]byte(`{"type":"error","error":{"type":"` + errors.WireType(err) + `","message":"upstream stream failed"}}`))
			return
		}
		for _, ev := range encoder.Encode(chunk) {
			if err := w.Event(ev.Name, ev.Data); err != nil {
				return
			}
		}
	}
}
