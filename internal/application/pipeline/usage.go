package pipeline

import (
	"strconv"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/infrastructure/connector"
	"github.com/modelgate/modelgate/internal/infrastructure/metrics"
	"go.uber.org/zap"
)

// UsageAccounting records token usage into metrics and mirrors it in the
// response metadata. Runs last in the chain so it sees what the client sees.
type UsageAccounting struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

var _ Middleware = (*UsageAccounting)(nil)

// NewUsageAccounting creates the accounting middleware.
func NewUsageAccounting(logger *zap.Logger, m *metrics.Metrics) *UsageAccounting {
	return &UsageAccounting{
		logger:  logger.With(zap.String("middleware", "usage")),
		metrics: m,
	}
}

func (u *UsageAccounting) Name() string { return "usage" }

func (u *UsageAccounting) OnResponse(req *Request, resp *entity.ChatResponse) (*entity.ChatResponse, error) {
	u.account(req, resp.Usage)
	if resp.Metadata == nil {
		resp.Metadata = map[string]interface{}{}
	}
	resp.Metadata["usage"] = map[string]interface{}{
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"total_tokens":      resp.Usage.TotalTokens,
	}
	return resp, nil
}

func (u *UsageAccounting) WrapStream(req *Request, stream connector.Stream) connector.Stream {
	q := &queueStream{inner: stream}
	q.next = func(chunk *entity.StreamChunk) ([]*entity.StreamChunk, bool) {
		if chunk.Usage != nil {
			u.account(req, *chunk.Usage)
		}
		return []*entity.StreamChunk{chunk}, false
	}
	return q
}

func (u *UsageAccounting) account(req *Request, usage entity.Usage) {
	if usage.TotalTokens == 0 && usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		return
	}
	u.metrics.TokensTotal.WithLabelValues(req.Backend, req.Model, "prompt").Add(float64(usage.PromptTokens))
	u.metrics.TokensTotal.WithLabelValues(req.Backend, req.Model, "completion").Add(float64(usage.CompletionTokens))
	u.logger.Debug("Usage recorded",
		zap.String("session_id", req.SessionID),
		zap.String("backend", req.Backend),
		zap.String("model", req.Model),
		zap.String("tokens", strconv.Itoa(usage.TotalTokens)),
	)
}
