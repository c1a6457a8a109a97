package dispatch

import (
	"context"
	"time"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/domain/session"
	"github.com/modelgate/modelgate/internal/infrastructure/connector"
	"github.com/modelgate/modelgate/internal/infrastructure/metrics"
	"github.com/modelgate/modelgate/internal/infrastructure/ratelimit"
	"github.com/modelgate/modelgate/pkg/errors"
	"go.uber.org/zap"
)

// Attempt outcomes recorded in the attempt log.
const (
	OutcomeSuccess            = "success"
	OutcomeFailed             = "failed"
	OutcomeSkippedRateLimit   = "skipped_rate_limit"
	OutcomeSkippedCredentials = "skipped_credentials"
)

// AttemptRecord is one entry of the attempt log.
type AttemptRecord struct {
	Backend string        `json:"backend"`
	Model   string        `json:"model"`
	KeyName string        `json:"key_name"`
	Outcome string        `json:"outcome"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed_ns,omitempty"`
}

// Result is a successful dispatch. Exactly one of Response and Stream is
// set, matching the request's stream flag.
type Result struct {
	Backend  string
	Model    string
	KeyName  string
	Response *entity.ChatResponse
	Stream   connector.Stream
	Attempts []AttemptRecord
	// RateLimit is the serving key's bucket state after the winning
	// attempt consumed its token.
	RateLimit *ratelimit.Decision
}

// AllAttemptsFailed reports that the whole attempt sequence was exhausted.
type AllAttemptsFailed struct {
	LastErr  error
	Attempts []AttemptRecord
}

func (e *AllAttemptsFailed) Error() string {
	if e.LastErr != nil {
		return "all attempts failed: " + e.LastErr.Error()
	}
	return "all attempts failed"
}

func (e *AllAttemptsFailed) Unwrap() error { return e.LastErr }

// Dispatcher executes attempt sequences until one succeeds. Attempts are
// strictly sequential; retry is expressed as the next attempt, never as a
// repeat of the current one.
type Dispatcher struct {
	planner *Planner
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(planner *Planner, limiter *ratelimit.Limiter, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		planner: planner,
		limiter: limiter,
		metrics: m,
		logger:  logger.With(zap.String("component", "dispatcher")),
	}
}

// Dispatch plans and executes the attempt sequence for req. clientKey feeds
// client-scoped rate limiting. Validation errors short-circuit before any
// upstream call; failover-eligible errors advance to the next attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, req *entity.ChatRequest, state session.State, clientKey string) (*Result, error) {
	attempts, err := d.planner.Plan(ctx, req.Model, state)
	if err != nil {
		return nil, err
	}

	var (
		log     []AttemptRecord
		lastErr error
	)
	for _, attempt := range attempts {
		record := AttemptRecord{
			Backend: attempt.Backend.Name,
			Model:   attempt.Model,
			KeyName: attempt.Key.Name,
		}

		// Rate-limit denial skips the attempt without counting it as a
		// failure; the next attempt may hit a different bucket.
		bucketKey := d.limiter.Key(attempt.Backend.Name, attempt.Key.Name, clientKey)
		decision := d.limiter.Allow(bucketKey)
		if !decision.Allowed {
			record.Outcome = OutcomeSkippedRateLimit
			log = append(log, record)
			if lastErr == nil {
				lastErr = errors.RateLimited(attempt.Backend.Name, attempt.Key.Name, decision.RetryAfter)
			}
			d.metrics.RateLimitedTotal.WithLabelValues(attempt.Backend.Name).Inc()
			continue
		}

		if !attempt.Backend.KeyFunctional(attempt.Key) {
			record.Outcome = OutcomeSkippedCredentials
			log = append(log, record)
			continue
		}

		start := time.Now()
		result, err := d.execute(ctx, req, attempt)
		record.Elapsed = time.Since(start)

		if err == nil {
			record.Outcome = OutcomeSuccess
			log = append(log, record)
			d.metrics.AttemptsTotal.WithLabelValues(attempt.Backend.Name, OutcomeSuccess).Inc()
			result.Attempts = log
			result.RateLimit = &decision
			return result, nil
		}

		record.Outcome = OutcomeFailed
		record.Error = err.Error()
		log = append(log, record)
		lastErr = err
		d.metrics.AttemptsTotal.WithLabelValues(attempt.Backend.Name, OutcomeFailed).Inc()

		if !errors.FailoverEligible(err) {
			d.logger.Warn("Attempt failed with non-recoverable error",
				zap.String("backend", attempt.Backend.Name),
				zap.String("model", attempt.Model),
				zap.String("key", attempt.Key.Name),
				zap.Error(err),
			)
			return nil, err
		}

		d.logger.Info("Attempt failed, trying next",
			zap.String("backend", attempt.Backend.Name),
			zap.String("model", attempt.Model),
			zap.String("key", attempt.Key.Name),
			zap.Error(err),
		)
	}

	return nil, &AllAttemptsFailed{LastErr: lastErr, Attempts: log}
}

func (d *Dispatcher) execute(ctx context.Context, req *entity.ChatRequest, attempt Attempt) (*Result, error) {
	result := &Result{
		Backend: attempt.Backend.Name,
		Model:   attempt.Model,
		KeyName: attempt.Key.Name,
	}
	if req.Stream {
		stream, err := attempt.Backend.Conn.StreamChatCompletion(ctx, req, attempt.Model, attempt.Key)
		if err != nil {
			return nil, err
		}
		result.Stream = stream
		return result, nil
	}
	resp, err := attempt.Backend.Conn.ChatCompletion(ctx, req, attempt.Model, attempt.Key)
	if err != nil {
		return nil, err
	}
	result.Response = resp
	return result, nil
}
