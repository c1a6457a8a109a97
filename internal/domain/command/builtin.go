package command

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/domain/session"
)

// RegisterBuiltins wires the built-in command set into a registry. Called
// once during startup; no runtime discovery.
func RegisterBuiltins(reg *Registry) {
	reg.Register(helpCommand{reg: reg})
	reg.Register(helloCommand{})
	reg.Register(pwdCommand{})
	reg.Register(setCommand{})
	reg.Register(unsetCommand{})
	reg.Register(routeCommand{})
	reg.Register(oneoffCommand{})
	reg.Register(thinkCommand{})
	reg.Register(loopDetectCommand{})
	reg.Register(toolLoopCommand{})
}

// --- Stateless commands ---

type helpCommand struct{ reg *Registry }

func (c helpCommand) Name() string { return "help" }
func (c helpCommand) Help() string { return "list available commands" }

func (c helpCommand) Execute(access StateAccess, args map[string]string) (string, error) {
	var b strings.Builder
	b.WriteString("available commands:")
	for _, name := range c.reg.Names() {
		cmd, _ := c.reg.Lookup(name)
		fmt.Fprintf(&b, "\n  %s — %s", name, cmd.Help())
	}
	return b.String(), nil
}

type helloCommand struct{}

func (helloCommand) Name() string { return "hello" }
func (helloCommand) Help() string { return "check the proxy is responding" }
func (helloCommand) Execute(access StateAccess, args map[string]string) (string, error) {
	return "hello from modelgate", nil
}

type pwdCommand struct{}

func (pwdCommand) Name() string { return "pwd" }
func (pwdCommand) Help() string { return "show the active session project" }
func (pwdCommand) Execute(access StateAccess, args map[string]string) (string, error) {
	if p := access.State().Project; p != "" {
		return "project: " + p, nil
	}
	return "project: (none)", nil
}

// --- Session parameter commands ---

type setCommand struct{}

func (setCommand) Name() string { return "set" }
func (setCommand) Help() string {
	return "set session parameters, e.g. set(model=openai:gpt-4, temperature=0.2)"
}

func (setCommand) Execute(access StateAccess, args map[string]string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("set requires at least one key=value argument")
	}
	st := access.State()
	var applied []string

	for key, val := range args {
		switch key {
		case "backend":
			st.BackendOverride = val
		case "model":
			st.ModelOverride = val
		case "project":
			st.Project = val
		case "interactive":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return "", fmt.Errorf("interactive must be true or false")
			}
			st.Interactive = b
		case "temperature":
			f, err := parseFloat(key, val, 0, 2)
			if err != nil {
				return "", err
			}
			st.Reasoning.Temperature = &f
		case "top_p":
			f, err := parseFloat(key, val, 0, 1)
			if err != nil {
				return "", err
			}
			st.Reasoning.TopP = &f
		case "thinking_budget":
			n, err := strconv.Atoi(val)
			if err != nil {
				return "", fmt.Errorf("thinking_budget must be an integer")
			}
			st.Reasoning.ThinkingBudget = &n
		case "max_tokens":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return "", fmt.Errorf("max_tokens must be a positive integer")
			}
			st.Reasoning.MaxTokens = &n
		default:
			return "", fmt.Errorf("unknown parameter %q", key)
		}
		applied = append(applied, key)
	}

	sort.Strings(applied)
	access.Set(st)
	return "set " + strings.Join(applied, ", "), nil
}

type unsetCommand struct{}

func (unsetCommand) Name() string { return "unset" }
func (unsetCommand) Help() string { return "clear session parameters, e.g. unset(model, backend)" }

func (unsetCommand) Execute(access StateAccess, args map[string]string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("unset requires at least one parameter name")
	}
	st := access.State()
	var cleared []string

	for key := range args {
		switch key {
		case "backend":
			st.BackendOverride = ""
		case "model":
			st.ModelOverride = ""
		case "project":
			st.Project = ""
		case "temperature":
			st.Reasoning.Temperature = nil
		case "top_p":
			st.Reasoning.TopP = nil
		case "thinking_budget":
			st.Reasoning.ThinkingBudget = nil
		case "max_tokens":
			st.Reasoning.MaxTokens = nil
		default:
			return "", fmt.Errorf("unknown parameter %q", key)
		}
		cleared = append(cleared, key)
	}

	sort.Strings(cleared)
	access.Set(st)
	return "unset " + strings.Join(cleared, ", "), nil
}

// --- Failover route commands ---

type routeCommand struct{}

func (routeCommand) Name() string { return "route" }
func (routeCommand) Help() string {
	return `manage failover routes: route(action=define|delete|list|append|prepend|clear, ...)`
}

func (routeCommand) Execute(access StateAccess, args map[string]string) (string, error) {
	action := args["action"]
	if action == "" {
		action = "list"
	}
	st := access.State()

	switch action {
	case "list":
		if len(st.FailoverRoutes) == 0 {
			return "no failover routes defined", nil
		}
		names := make([]string, 0, len(st.FailoverRoutes))
		for name := range st.FailoverRoutes {
			names = append(names, name)
		}
		sort.Strings(names)
		var b strings.Builder
		b.WriteString("failover routes:")
		for _, name := range names {
			r := st.FailoverRoutes[name]
			els := make([]string, len(r.Elements))
			for i, el := range r.Elements {
				els[i] = el.String()
			}
			fmt.Fprintf(&b, "\n  %s [%s]: %s", name, r.Policy, strings.Join(els, " → "))
		}
		return b.String(), nil

	case "define":
		name := args["name"]
		if name == "" {
			return "", fmt.Errorf("route define requires name=")
		}
		policy := entity.RoutePolicy(args["policy"])
		if policy == "" {
			policy = entity.PolicyKeysModels
		}
		if !entity.ValidPolicy(policy) {
			return "", fmt.Errorf("unknown route policy %q (want k, m, km or mk)", policy)
		}
		elements, err := parseElements(args["elements"])
		if err != nil {
			return "", err
		}
		access.Set(st.WithRoute(entity.FailoverRoute{Name: name, Policy: policy, Elements: elements}))
		return fmt.Sprintf("route %s defined with %d element(s), policy %s", name, len(elements), policy), nil

	case "delete":
		name := args["name"]
		if _, ok := st.Route(name); !ok {
			return "", fmt.Errorf("route %q not found", name)
		}
		access.Set(st.WithoutRoute(name))
		return fmt.Sprintf("route %s deleted", name), nil

	case "append", "prepend":
		name := args["name"]
		r, ok := st.Route(name)
		if !ok {
			return "", fmt.Errorf("route %q not found", name)
		}
		el, err := entity.ParseModelRef(args["element"])
		if err != nil {
			return "", err
		}
		r = r.Clone()
		if action == "append" {
			r.Elements = append(r.Elements, el)
		} else {
			r.Elements = append([]entity.RouteElement{el}, r.Elements...)
		}
		access.Set(st.WithRoute(r))
		return fmt.Sprintf("route %s now has %d element(s)", name, len(r.Elements)), nil

	case "clear":
		name := args["name"]
		r, ok := st.Route(name)
		if !ok {
			return "", fmt.Errorf("route %q not found", name)
		}
		r = r.Clone()
		r.Elements = nil
		access.Set(st.WithRoute(r))
		return fmt.Sprintf("route %s cleared", name), nil

	default:
		return "", fmt.Errorf("unknown route action %q", action)
	}
}

func parseElements(src string) ([]entity.RouteElement, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("route define requires elements=\"backend:model,...\"")
	}
	var elements []entity.RouteElement
	for _, part := range strings.Split(src, ",") {
		el, err := entity.ParseModelRef(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		elements = append(elements, el)
	}
	return elements, nil
}

// --- One-off route ---

type oneoffCommand struct{}

func (oneoffCommand) Name() string { return "oneoff" }
func (oneoffCommand) Help() string {
	return "route only the next request, e.g. oneoff(target=anthropic:claude-sonnet-4)"
}

func (oneoffCommand) Execute(access StateAccess, args map[string]string) (string, error) {
	target := args["target"]
	if target == "" && args["backend"] != "" {
		target = args["backend"] + ":" + args["model"]
	}
	el, err := entity.ParseModelRef(target)
	if err != nil {
		return "", err
	}
	access.Set(access.State().WithOneOff(el))
	return "next request will use " + el.String(), nil
}

// --- Reasoning aliases ---

type thinkCommand struct{}

func (thinkCommand) Name() string { return "think" }
func (thinkCommand) Help() string {
	return "adjust reasoning: think(level=low|medium|high|none, prefix=..., suffix=...)"
}

func (thinkCommand) Execute(access StateAccess, args map[string]string) (string, error) {
	st := access.State()
	level, hasLevel := args["level"]

	if hasLevel {
		switch level {
		case "none":
			st.Reasoning.Effort = ""
			st.Reasoning.ThinkingBudget = nil
		case entity.EffortLow, entity.EffortMedium, entity.EffortHigh:
			st.Reasoning.Effort = level
		default:
			return "", fmt.Errorf("unknown reasoning level %q (want low, medium, high or none)", level)
		}
	}
	if prefix, ok := args["prefix"]; ok {
		st.Reasoning.PromptPrefix = prefix
	}
	if suffix, ok := args["suffix"]; ok {
		st.Reasoning.PromptSuffix = suffix
	}

	access.Set(st)
	if !hasLevel {
		return "reasoning prompt affixes updated", nil
	}
	if level == "none" {
		return "reasoning disabled", nil
	}
	return "reasoning effort set to " + level, nil
}

// --- Detection tuning ---

type loopDetectCommand struct{}

func (loopDetectCommand) Name() string { return "loopdetect" }
func (loopDetectCommand) Help() string {
	return "tune content loop detection: loopdetect(enabled=true, min_pattern_len=3, ...)"
}

func (loopDetectCommand) Execute(access StateAccess, args map[string]string) (string, error) {
	st := access.State()
	cfg := st.LoopDetection
	for key, val := range args {
		switch key {
		case "enabled":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return "", fmt.Errorf("enabled must be true or false")
			}
			cfg.Enabled = b
		case "min_pattern_len", "max_pattern_len", "min_repetitions":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return "", fmt.Errorf("%s must be a positive integer", key)
			}
			switch key {
			case "min_pattern_len":
				cfg.MinPatternLen = n
			case "max_pattern_len":
				cfg.MaxPatternLen = n
			case "min_repetitions":
				cfg.MinRepetitions = n
			}
		default:
			return "", fmt.Errorf("unknown parameter %q", key)
		}
	}
	if cfg.MinPatternLen > cfg.MaxPatternLen {
		return "", fmt.Errorf("min_pattern_len must not exceed max_pattern_len")
	}
	st.LoopDetection = cfg
	access.Set(st)
	return fmt.Sprintf("loop detection: enabled=%v pattern=[%d,%d] repetitions=%d",
		cfg.Enabled, cfg.MinPatternLen, cfg.MaxPatternLen, cfg.MinRepetitions), nil
}

type toolLoopCommand struct{}

func (toolLoopCommand) Name() string { return "toolloop" }
func (toolLoopCommand) Help() string {
	return "tune tool-call loop detection: toolloop(mode=block|warn|chance_then_block, ...)"
}

func (toolLoopCommand) Execute(access StateAccess, args map[string]string) (string, error) {
	st := access.State()
	cfg := st.ToolLoop
	for key, val := range args {
		switch key {
		case "enabled":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return "", fmt.Errorf("enabled must be true or false")
			}
			cfg.Enabled = b
		case "mode":
			switch val {
			case session.ToolLoopBlock, session.ToolLoopWarn, session.ToolLoopChanceThenBlock:
				cfg.Mode = val
			default:
				return "", fmt.Errorf("unknown mode %q", val)
			}
		case "max_repeats", "ttl_seconds":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return "", fmt.Errorf("%s must be a positive integer", key)
			}
			if key == "max_repeats" {
				cfg.MaxRepeats = n
			} else {
				cfg.TTLSeconds = n
			}
		case "similarity_threshold":
			f, err := parseFloat(key, val, 0, 1)
			if err != nil {
				return "", err
			}
			cfg.SimilarityThreshold = f
		default:
			return "", fmt.Errorf("unknown parameter %q", key)
		}
	}
	st.ToolLoop = cfg
	access.Set(st)
	return fmt.Sprintf("tool loop detection: enabled=%v mode=%s max_repeats=%d ttl=%ds",
		cfg.Enabled, cfg.Mode, cfg.MaxRepeats, cfg.TTLSeconds), nil
}

func parseFloat(key, val string, min, max float64) (float64, error) {
	f, err := strconv.ParseFloat(val, 64)
	if err != nil || f < min || f > max {
		return 0, fmt.Errorf("%s must be a number between %g and %g", key, min, max)
	}
	return f, nil
}
