package session

import (
	"github.com/modelgate/modelgate/internal/domain/entity"
)

// DefaultCommandPrefix marks inline commands in user messages.
const DefaultCommandPrefix = "!/"

// Tool-loop handling modes.
const (
	ToolLoopBlock           = "block"
	ToolLoopWarn            = "warn"
	ToolLoopChanceThenBlock = "chance_then_block"
)

// ReasoningConfig holds per-session reasoning overrides projected onto each
// outgoing request.
type ReasoningConfig struct {
	Effort         string   `json:"effort,omitempty"` // low | medium | high
	ThinkingBudget *int     `json:"thinking_budget,omitempty"`
	MaxTokens      *int     `json:"max_tokens,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	TopP           *float64 `json:"top_p,omitempty"`
	PromptPrefix   string   `json:"prompt_prefix,omitempty"`
	PromptSuffix   string   `json:"prompt_suffix,omitempty"`
}

// LoopDetectionConfig controls the streaming content loop detector.
type LoopDetectionConfig struct {
	Enabled        bool `json:"enabled"`
	MinPatternLen  int  `json:"min_pattern_len"`
	MaxPatternLen  int  `json:"max_pattern_len"`
	MinRepetitions int  `json:"min_repetitions"`
}

// ToolLoopConfig controls the tool-call loop detector.
type ToolLoopConfig struct {
	Enabled             bool    `json:"enabled"`
	MaxRepeats          int     `json:"max_repeats"`
	TTLSeconds          int     `json:"ttl_seconds"`
	Mode                string  `json:"mode"` // block | warn | chance_then_block
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

// State is the per-session state value. It is immutable: every mutation
// returns a new value, and the store swaps values atomically under the
// per-session lock. Copy-by-value is safe as long as the FailoverRoutes map
// is never written in place — use WithRoute / WithoutRoute.
type State struct {
	BackendOverride string                          `json:"backend_override,omitempty"`
	ModelOverride   string                          `json:"model_override,omitempty"` // route name or backend:model
	Project         string                          `json:"project,omitempty"`
	Interactive     bool                            `json:"interactive_mode"`
	CommandPrefix   string                          `json:"command_prefix"`
	FailoverRoutes  map[string]entity.FailoverRoute `json:"failover_routes,omitempty"`
	Reasoning       ReasoningConfig                 `json:"reasoning"`
	LoopDetection   LoopDetectionConfig             `json:"loop_detection"`
	ToolLoop        ToolLoopConfig                  `json:"tool_loop_detection"`
	OneOff          *entity.RouteElement            `json:"oneoff_route,omitempty"`
}

// NewState returns the default session state.
func NewState() State {
	return State{
		CommandPrefix: DefaultCommandPrefix,
		LoopDetection: LoopDetectionConfig{
			Enabled:        true,
			MinPatternLen:  3,
			MaxPatternLen:  64,
			MinRepetitions: 4,
		},
		ToolLoop: ToolLoopConfig{
			Enabled:             true,
			MaxRepeats:          3,
			TTLSeconds:          120,
			Mode:                ToolLoopBlock,
			SimilarityThreshold: 0.9,
		},
	}
}

// Route looks up a failover route by name.
func (s State) Route(name string) (entity.FailoverRoute, bool) {
	r, ok := s.FailoverRoutes[name]
	return r, ok
}

// WithRoute returns a state with the route set, copying the route map.
func (s State) WithRoute(route entity.FailoverRoute) State {
	routes := make(map[string]entity.FailoverRoute, len(s.FailoverRoutes)+1)
	for k, v := range s.FailoverRoutes {
		routes[k] = v
	}
	routes[route.Name] = route.Clone()
	s.FailoverRoutes = routes
	return s
}

// WithoutRoute returns a state with the named route removed.
func (s State) WithoutRoute(name string) State {
	if _, ok := s.FailoverRoutes[name]; !ok {
		return s
	}
	routes := make(map[string]entity.FailoverRoute, len(s.FailoverRoutes))
	for k, v := range s.FailoverRoutes {
		if k != name {
			routes[k] = v
		}
	}
	s.FailoverRoutes = routes
	return s
}

// WithOneOff returns a state carrying a one-off route for the next request.
func (s State) WithOneOff(el entity.RouteElement) State {
	cp := el
	s.OneOff = &cp
	return s
}

// ClearOneOff returns a state with the one-off route consumed.
func (s State) ClearOneOff() State {
	s.OneOff = nil
	return s
}
