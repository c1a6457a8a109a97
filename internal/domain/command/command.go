package command

import (
	"fmt"
	"sort"
	"sync"

	"github.com/modelgate/modelgate/internal/domain/session"
)

// StateAccess is the typed capability handed to stateful commands. Commands
// mutate session state through it and never touch the HTTP layer. Set applies
// only if the command completes without error.
type StateAccess interface {
	// State returns the state as visible to this command, including
	// mutations made by earlier commands in the same message.
	State() session.State
	// Set stages a replacement state value.
	Set(session.State)
}

// Command is one registered inline command. Execute returns a user-visible
// message; on error no staged mutation is applied.
type Command interface {
	Name() string
	Help() string
	Execute(access StateAccess, args map[string]string) (string, error)
}

// Result reports the outcome of one command invocation.
type Result struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	OK      bool   `json:"ok"`
}

// Registry maps command names to implementations. Commands are values
// registered explicitly at startup; there is no runtime discovery.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Command
}

// NewRegistry creates an empty command registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// Register adds a command. Duplicate names panic: registration happens once
// during startup wiring, so a duplicate is a programming error.
func (r *Registry) Register(cmd Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[cmd.Name()]; exists {
		panic(fmt.Sprintf("command %q registered twice", cmd.Name()))
	}
	r.commands[cmd.Name()] = cmd
}

// Lookup returns the command registered under name.
func (r *Registry) Lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Names returns all registered command names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
