package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/domain/session"
	"github.com/modelgate/modelgate/internal/infrastructure/connector"
	"github.com/modelgate/modelgate/internal/infrastructure/metrics"
	"go.uber.org/zap"
)

// Actions the guard can decide on a tool call.
const (
	ActionAllow = "allow"
	ActionWarn  = "warn"
	ActionGuide = "guide"
	ActionBlock = "block"
)

const guardRingSize = 32

// fingerprint is one observed tool call with canonicalized arguments.
type fingerprint struct {
	name string
	args string
	at   time.Time
}

// ToolLoopGuard tracks tool-call fingerprints per session and decides when a
// model is stuck re-issuing the same call. State survives across requests of
// a session, matching how agent loops actually replay.
type ToolLoopGuard struct {
	mu      sync.Mutex
	rings   map[string][]fingerprint
	tripped map[string]time.Time
	now     func() time.Time
}

// NewToolLoopGuard creates an empty guard.
func NewToolLoopGuard() *ToolLoopGuard {
	return &ToolLoopGuard{
		rings:   make(map[string][]fingerprint),
		tripped: make(map[string]time.Time),
		now:     time.Now,
	}
}

// canonicalArgs normalizes a JSON argument string: parsed and re-marshalled
// so key order and whitespace never affect similarity. Unparseable args fall
// back to a trimmed raw string.
func canonicalArgs(raw string) string {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return strings.TrimSpace(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return string(out)
}

// similar reports whether two fingerprints represent the same effective call.
func similar(a, b fingerprint, threshold float64) bool {
	if a.name != b.name {
		return false
	}
	if a.args == b.args {
		return true
	}
	longest := len(a.args)
	if len(b.args) > longest {
		longest = len(b.args)
	}
	if longest == 0 {
		return true
	}
	dist := levenshtein.ComputeDistance(a.args, b.args)
	return 1.0-float64(dist)/float64(longest) >= threshold
}

// Observe records the tool calls of one assistant turn and returns the
// action for this turn. Expired fingerprints age out by TTL.
func (g *ToolLoopGuard) Observe(sessionID string, cfg session.ToolLoopConfig, calls []entity.ToolCall) string {
	if !cfg.Enabled || len(calls) == 0 {
		return ActionAllow
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	ttl := time.Duration(cfg.TTLSeconds) * time.Second

	ring := g.rings[sessionID]
	fresh := ring[:0]
	for _, fp := range ring {
		if now.Sub(fp.at) <= ttl {
			fresh = append(fresh, fp)
		}
	}
	ring = fresh

	worst := ActionAllow
	for _, call := range calls {
		fp := fingerprint{name: call.Name, args: canonicalArgs(call.Arguments), at: now}

		repeats := 1 // the current call counts
		for _, prev := range ring {
			if similar(prev, fp, cfg.SimilarityThreshold) {
				repeats++
			}
		}

		ring = append(ring, fp)
		if len(ring) > guardRingSize {
			ring = ring[len(ring)-guardRingSize:]
		}

		if repeats < cfg.MaxRepeats {
			continue
		}

		switch cfg.Mode {
		case session.ToolLoopWarn:
			worst = ActionWarn
		case session.ToolLoopChanceThenBlock:
			if trippedAt, ok := g.tripped[sessionID]; ok && now.Sub(trippedAt) <= ttl {
				worst = ActionBlock
			} else {
				g.tripped[sessionID] = now
				if worst != ActionBlock {
					worst = ActionGuide
				}
			}
		default: // block
			worst = ActionBlock
		}
	}

	g.rings[sessionID] = ring
	return worst
}

// Forget drops all state for a session. Called on session eviction.
func (g *ToolLoopGuard) Forget(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.rings, sessionID)
	delete(g.tripped, sessionID)
}

const (
	blockMessage = "The same tool call has been repeated too many times and was blocked. Re-examine the previous tool results before calling again."
	guideMessage = "\n\n[notice: this tool call closely repeats recent calls. If the next attempt repeats again it will be blocked.]"
)

// ToolLoopMiddleware applies guard decisions to responses and streams.
type ToolLoopMiddleware struct {
	guard   *ToolLoopGuard
	logger  *zap.Logger
	metrics *metrics.Metrics
}

var _ Middleware = (*ToolLoopMiddleware)(nil)

// NewToolLoopMiddleware creates the middleware around a shared guard.
func NewToolLoopMiddleware(guard *ToolLoopGuard, logger *zap.Logger, m *metrics.Metrics) *ToolLoopMiddleware {
	return &ToolLoopMiddleware{
		guard:   guard,
		logger:  logger.With(zap.String("middleware", "tool_call_loop")),
		metrics: m,
	}
}

func (t *ToolLoopMiddleware) Name() string { return "tool_call_loop" }

func (t *ToolLoopMiddleware) OnResponse(req *Request, resp *entity.ChatResponse) (*entity.ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return resp, nil
	}
	choice := &resp.Choices[0]
	action := t.guard.Observe(req.SessionID, req.State.ToolLoop, choice.Message.ToolCalls)
	switch action {
	case ActionBlock:
		t.record(req, ActionBlock, choice.Message.ToolCalls)
		choice.Message.ToolCalls = nil
		choice.Message.Content = blockMessage
		choice.Message.Parts = nil
		choice.FinishReason = entity.FinishStop
	case ActionGuide:
		t.record(req, ActionGuide, choice.Message.ToolCalls)
		choice.Message.Content = choice.Message.Text() + guideMessage
		choice.Message.Parts = nil
	case ActionWarn:
		t.record(req, ActionWarn, choice.Message.ToolCalls)
	}
	return resp, nil
}

// WrapStream holds tool-call deltas back until the turn finishes, so a block
// decision can still replace them. Text deltas pass through untouched.
func (t *ToolLoopMiddleware) WrapStream(req *Request, stream connector.Stream) connector.Stream {
	if !req.State.ToolLoop.Enabled {
		return stream
	}

	acc := newToolCallAccumulator()
	var held []*entity.StreamChunk

	q := &queueStream{inner: stream}
	q.next = func(chunk *entity.StreamChunk) ([]*entity.StreamChunk, bool) {
		hasToolDelta := false
		finish := ""
		for _, choice := range chunk.Choices {
			if len(choice.Delta.ToolCalls) > 0 {
				hasToolDelta = true
				acc.add(choice.Delta.ToolCalls)
			}
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
		}

		if finish == "" {
			if hasToolDelta {
				held = append(held, chunk)
				return nil, false
			}
			return []*entity.StreamChunk{chunk}, false
		}

		// Turn finished: decide what happens to the held tool deltas.
		calls := acc.calls()
		action := t.guard.Observe(req.SessionID, req.State.ToolLoop, calls)
		switch action {
		case ActionBlock:
			t.record(req, ActionBlock, calls)
			held = nil
			return []*entity.StreamChunk{{
				ID:      chunk.ID,
				Created: chunk.Created,
				Model:   chunk.Model,
				Usage:   chunk.Usage,
				Choices: []entity.StreamChoice{{
					Delta:        entity.Delta{Content: blockMessage},
					FinishReason: entity.FinishStop,
				}},
			}}, true
		case ActionGuide:
			t.record(req, ActionGuide, calls)
			out := append(held, &entity.StreamChunk{
				ID:      chunk.ID,
				Created: chunk.Created,
				Model:   chunk.Model,
				Choices: []entity.StreamChoice{{Delta: entity.Delta{Content: guideMessage}}},
			}, chunk)
			held = nil
			return out, false
		case ActionWarn:
			t.record(req, ActionWarn, calls)
		}
		out := append(held, chunk)
		held = nil
		return out, false
	}
	q.finish = func() []*entity.StreamChunk {
		// Upstream ended without a finish reason; release anything held.
		out := held
		held = nil
		return out
	}
	return q
}

func (t *ToolLoopMiddleware) record(req *Request, action string, calls []entity.ToolCall) {
	names := make([]string, 0, len(calls))
	for _, c := range calls {
		names = append(names, c.Name)
	}
	t.logger.Warn("Tool call loop "+action,
		zap.String("session_id", req.SessionID),
		zap.String("backend", req.Backend),
		zap.Strings("tools", names),
	)
	t.metrics.LoopsDetected.WithLabelValues("tool_call_" + action).Inc()
}

// toolCallAccumulator assembles streamed tool-call fragments into whole
// calls keyed by delta index.
type toolCallAccumulator struct {
	order []int
	byIdx map[int]*entity.ToolCall
	args  map[int]*strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{
		byIdx: make(map[int]*entity.ToolCall),
		args:  make(map[int]*strings.Builder),
	}
}

func (a *toolCallAccumulator) add(deltas []entity.ToolCallDelta) {
	for _, d := range deltas {
		call, ok := a.byIdx[d.Index]
		if !ok {
			call = &entity.ToolCall{}
			a.byIdx[d.Index] = call
			a.args[d.Index] = &strings.Builder{}
			a.order = append(a.order, d.Index)
		}
		if d.ID != "" {
			call.ID = d.ID
		}
		if d.Name != "" {
			call.Name = d.Name
		}
		a.args[d.Index].WriteString(d.Arguments)
	}
}

func (a *toolCallAccumulator) calls() []entity.ToolCall {
	out := make([]entity.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		call := *a.byIdx[idx]
		call.Arguments = a.args[idx].String()
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d", idx+1)
		}
		out = append(out, call)
	}
	return out
}
