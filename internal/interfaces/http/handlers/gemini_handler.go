package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/modelgate/modelgate/internal/application/proxy"
	"github.com/modelgate/modelgate/internal/infrastructure/connector"
	"github.com/modelgate/modelgate/internal/infrastructure/connector/gemini"
	"github.com/modelgate/modelgate/internal/infrastructure/metrics"
	"github.com/modelgate/modelgate/pkg/errors"
	"go.uber.org/zap"
)

// GeminiHandler serves the Gemini-compatible frontend surface.
type GeminiHandler struct {
	svc     *proxy.Service
	metrics *metrics.Metrics
	timeout time.Duration
	logger  *zap.Logger
}

// NewGeminiHandler creates the handler.
func NewGeminiHandler(svc *proxy.Service, m *metrics.Metrics, timeout time.Duration, logger *zap.Logger) *GeminiHandler {
	return &GeminiHandler{svc: svc, metrics: m, timeout: timeout, logger: logger}
}

// Generate handles POST /v1beta/models/{model}:generateContent and
// :streamGenerateContent. Gin cannot route on the colon inside the path
// segment, so the wildcard parameter is split here.
func (h *GeminiHandler) Generate(c *gin.Context) {
	model, verb, ok := splitModelVerb(c.Param("modelAction"))
	if !ok {
		WriteError(c, errors.Validation("path must be /v1beta/models/{model}:generateContent or :streamGenerateContent"))
		return
	}
	stream := verb == "streamGenerateContent"
	if !stream && verb != "generateContent" {
		WriteError(c, errors.Validation("unknown action "+verb))
		return
	}

	start := time.Now()

	var wire gemini.Request
	if err := c.ShouldBindJSON(&wire); err != nil {
		WriteError(c, errors.Wrap(errors.KindValidation, "invalid request body", err))
		h.metrics.RequestsTotal.WithLabelValues("gemini", "error").Inc()
		return
	}

	req := gemini.DecodeRequest(&wire, model, stream)
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	out, err := h.svc.Handle(ctx, SessionID(c), ClientKey(c), req)
	if err != nil {
		WriteError(c, err)
		h.metrics.RequestsTotal.WithLabelValues("gemini", "error").Inc()
		return
	}

	defer func() {
		h.metrics.RequestDuration.WithLabelValues("gemini").Observe(time.Since(start).Seconds())
		h.metrics.RequestsTotal.WithLabelValues("gemini", "ok").Inc()
	}()

	RateLimitHeaders(c, out.RateLimit)

	if stream {
		upstream := out.Stream
		if upstream == nil {
			upstream = connector.NewSingleChunkStream(out.Response)
		}
		h.relayStream(c, upstream)
		return
	}

	c.JSON(http.StatusOK, gemini.EncodeResponse(out.Response))
}

func (h *GeminiHandler) relayStream(c *gin.Context, stream connector.Stream) {
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
			return
		}
		if err != nil {
			h.logger.Warn("Stream relay failed", zap.Error(err))
			w.Data(gin.H{"error": gin.H{
				"message": "upstream stream failed",
				"status":  errors.WireType(err),
			}})
			return
		}
		if err := w.Data(gemini.EncodeChunk(chunk)); err != nil {
			return
		}
	}
}

// ListModels handles GET /v1beta/models.
func (h *GeminiHandler) ListModels(c *gin.Context) {
	entries := h.svc.ListModels(c.Request.Context())
	models := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		models = append(models, gin.H{
			"name":        "models/" + e.Backend + ":" + e.Model,
			"displayName": e.Backend + ":" + e.Model,
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

// splitModelVerb parses "/<model>:<verb>" from the wildcard path parameter.
// Model names may themselves contain colons, so the last colon separates.
func splitModelVerb(param string) (model, verb string, ok bool) {
	param = strings.TrimPrefix(param, "/")
	idx := strings.LastIndex(param, ":")
	if idx <= 0 || idx == len(param)-1 {
		return "", "", false
	}
	return param[:idx], param[idx+1:], true
}
