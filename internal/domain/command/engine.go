package command

import (
	"fmt"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/domain/session"
	"go.uber.org/zap"
)

// Outcome is the result of running the command layer over one request.
type Outcome struct {
	// Request is the mutated request with command tokens stripped from the
	// final user message. Nil when CommandOnly is true and the stripped
	// message list would be empty.
	Request *entity.ChatRequest
	// State is the session state snapshot after all command mutations.
	State session.State
	// Results holds one entry per command invocation, in execution order.
	Results []Result
	// CommandOnly is true iff after stripping there is no forwardable content.
	CommandOnly bool
}

// Engine resolves sessions, parses inline commands from the final user
// message, applies their mutations atomically and strips them from the
// forwarded content.
type Engine struct {
	store    *session.Store
	registry *Registry
	logger   *zap.Logger
}

// NewEngine creates a command engine over the given session store.
func NewEngine(store *session.Store, registry *Registry, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		registry: registry,
		logger:   logger.With(zap.String("component", "command-engine")),
	}
}

// stagedAccess implements StateAccess over a local state copy so that all
// commands of one message commit in a single store update.
type stagedAccess struct {
	state session.State
}

func (a *stagedAccess) State() session.State   { return a.state }
func (a *stagedAccess) Set(next session.State) { a.state = next }

// Process runs the command layer for a request. Only the trailing user
// message is scanned. Commands execute left-to-right; later commands observe
// earlier mutations; all mutations of the message commit atomically under
// the session lock.
func (e *Engine) Process(sessionID string, req *entity.ChatRequest) Outcome {
	req = req.Clone()

	idx := req.LastUserIndex()
	if idx < 0 {
		return Outcome{Request: req, State: e.store.Get(sessionID)}
	}

	prefix := e.store.Get(sessionID).CommandPrefix
	if prefix == "" {
		prefix = session.DefaultCommandPrefix
	}

	text := req.Messages[idx].Text()
	stripped, invs, parseErrs := Parse(text, prefix)
	if len(invs) == 0 {
		return Outcome{Request: req, State: e.store.Get(sessionID)}
	}

	var results []Result
	finalState := e.store.Update(sessionID, func(st session.State) session.State {
		access := &stagedAccess{state: st}
		for i, inv := range invs {
			results = append(results, e.execute(access, inv, parseErrs[i]))
		}
		return access.state
	})

	for _, r := range results {
		e.logger.Debug("Command executed",
			zap.String("session", sessionID),
			zap.String("command", r.Name),
			zap.Bool("ok", r.OK),
		)
	}

	// Replace the scanned message content with the stripped remainder.
	msg := &req.Messages[idx]
	if len(msg.Parts) > 0 {
		msg.Parts = replaceTextParts(msg.Parts, stripped)
	} else {
		msg.Content = stripped
	}

	commandOnly := msg.IsEmpty()
	if commandOnly {
		// Drop the now-empty trailing message so dispatch never sees it.
		req.Messages = req.Messages[:idx]
	}

	return Outcome{
		Request:     req,
		State:       finalState,
		Results:     results,
		CommandOnly: commandOnly && !hasForwardableContent(req),
	}
}

// execute runs one invocation against the staged state. Failed commands
// leave the staged state untouched.
func (e *Engine) execute(access *stagedAccess, inv Invocation, parseErr error) Result {
	if parseErr != nil {
		return Result{Name: inv.Name, Message: parseErr.Error(), OK: false}
	}

	cmd, ok := e.registry.Lookup(inv.Name)
	if !ok {
		// Unknown commands are stripped, never forwarded verbatim.
		return Result{
			Name:    inv.Name,
			Message: fmt.Sprintf("unknown command %q (try help)", inv.Name),
			OK:      false,
		}
	}

	before := access.state
	msg, err := cmd.Execute(access, inv.Args)
	if err != nil {
		access.state = before // error → mutation not applied
		return Result{Name: inv.Name, Message: err.Error(), OK: false}
	}
	return Result{Name: inv.Name, Message: msg, OK: true}
}

// SynthesizeResponse builds the assistant reply for a command-only request:
// the concatenation of command result messages, finish_reason stop. No
// upstream call happens for such requests.
func SynthesizeResponse(id, model string, createdUnix int64, results []Result) *entity.ChatResponse {
	var content string
	for i, r := range results {
		if i > 0 {
			content += "\n"
		}
		if r.OK {
			content += r.Message
		} else {
			content += fmt.Sprintf("error: %s", r.Message)
		}
	}
	return &entity.ChatResponse{
		ID:      id,
		Created: createdUnix,
		Model:   model,
		Choices: []entity.Choice{{
			Index:        0,
			Message:      entity.Message{Role: entity.RoleAssistant, Content: content},
			FinishReason: entity.FinishStop,
		}},
	}
}

func replaceTextParts(parts []entity.ContentPart, text string) []entity.ContentPart {
	out := make([]entity.ContentPart, 0, len(parts))
	inserted := false
	for _, p := range parts {
		if p.Type == entity.PartText {
			if !inserted && text != "" {
				out = append(out, entity.ContentPart{Type: entity.PartText, Text: text})
				inserted = true
			}
			continue
		}
		out = append(out, p)
	}
	return out
}

func hasForwardableContent(req *entity.ChatRequest) bool {
	for i := range req.Messages {
		m := &req.Messages[i]
		if m.Role == entity.RoleSystem {
			continue
		}
		if !m.IsEmpty() {
			return true
		}
	}
	return false
}
