package connector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/infrastructure/credential"
	"go.uber.org/zap"
)

// Key is one upstream credential slot. Secret never appears in logs or
// error values; Name is the loggable identifier.
type Key struct {
	Name   string
	Secret string
}

// Config is the runtime configuration handed to a connector factory.
type Config struct {
	Name         string // backend name, e.g. "openai-main"
	Type         string // provider type, e.g. "openai"
	APIURL       string
	Models       []string // optional static model list
	ProjectID    string   // gemini code-assist
	ExtraHeaders map[string]string
}

// Health is the observable credential health of a backend.
type Health struct {
	Functional bool
	Errors     []string
}

// Stream is a lazy, finite sequence of canonical chunks. Recv returns io.EOF
// after the terminal chunk. The sequence is restartable only by issuing a
// new upstream call. Close releases the underlying HTTP body.
type Stream interface {
	Recv() (*entity.StreamChunk, error)
	Close() error
}

// Connector is the per-provider capability surface. Implementations share
// the injected pooled HTTP client and never construct their own.
type Connector interface {
	Name() string
	Type() string

	// ChatCompletion performs a non-streaming upstream call.
	ChatCompletion(ctx context.Context, req *entity.ChatRequest, model string, key Key) (*entity.ChatResponse, error)

	// StreamChatCompletion performs a streaming upstream call. Connectors for
	// upstreams without streaming support synthesize a single-chunk stream.
	StreamChatCompletion(ctx context.Context, req *entity.ChatRequest, model string, key Key) (Stream, error)

	// ListModels returns the provider's model ids, cached for a bounded TTL.
	ListModels(ctx context.Context, key Key) ([]string, error)
}

// Factory creates a Connector from config. Provider sub-packages register
// themselves via init().
type Factory func(cfg Config, client *http.Client, logger *zap.Logger) Connector

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterFactory registers a connector factory for the given provider type.
// Called from init() in each provider sub-package.
func RegisterFactory(typeName string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[typeName] = factory
}

// New creates a Connector using the registered factory for cfg.Type.
func New(cfg Config, client *http.Client, logger *zap.Logger) (Connector, error) {
	factoryMu.RLock()
	factory, ok := factories[cfg.Type]
	factoryMu.RUnlock()
	if !ok {
		factoryMu.RLock()
		available := make([]string, 0, len(factories))
		for k := range factories {
			available = append(available, k)
		}
		factoryMu.RUnlock()
		return nil, fmt.Errorf("unknown backend type %q (available: %v)", cfg.Type, available)
	}
	return factory(cfg, client, logger), nil
}

// Backend bundles a connector with its ordered keys and optional file-backed
// credential manager. Key order defines primary/secondary priority.
type Backend struct {
	Name  string
	Conn  Connector
	Keys  []Key
	Creds *credential.Manager
}

// ResolveKeys returns the attempt-ordered keys for this backend. A managed
// credential contributes one key resolved at call time; it is skipped when
// non-functional so the dispatcher never selects it.
func (b *Backend) ResolveKeys(ctx context.Context) []Key {
	keys := append([]Key(nil), b.Keys...)
	if b.Creds != nil {
		if secret, err := b.Creds.Secret(ctx); err == nil {
			keys = append(keys, Key{Name: "managed", Secret: secret})
		}
	}
	return keys
}

// Health reports the backend's credential health. Backends with only static
// keys are functional as long as at least one key is configured.
func (b *Backend) Health() Health {
	if b.Creds != nil {
		st := b.Creds.Status()
		if !st.Functional && len(b.Keys) == 0 {
			return Health{Functional: false, Errors: st.Errors}
		}
		if !st.Functional {
			return Health{Functional: true, Errors: st.Errors}
		}
		return Health{Functional: true}
	}
	if len(b.Keys) == 0 {
		return Health{Functional: false, Errors: []string{"no api keys configured"}}
	}
	return Health{Functional: true}
}

// KeyFunctional reports whether a specific key may be used for an attempt.
func (b *Backend) KeyFunctional(key Key) bool {
	if key.Name == "managed" && b.Creds != nil {
		return b.Creds.Functional()
	}
	return key.Secret != ""
}

// Registry maps backend names to backends. Populated once during startup.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]*Backend
	order    []string
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]*Backend)}
}

// Add registers a backend under its name.
func (r *Registry) Add(b *Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[b.Name]; !exists {
		r.order = append(r.order, b.Name)
	}
	r.backends[b.Name] = b
}

// Get looks up a backend by name.
func (r *Registry) Get(name string) (*Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Names returns backend names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// FunctionalCount returns how many backends are currently functional.
func (r *Registry) FunctionalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, b := range r.backends {
		if b.Health().Functional {
			n++
		}
	}
	return n
}

// ModelCache memoizes a provider's model list for a bounded TTL.
type ModelCache struct {
	mu      sync.Mutex
	models  []string
	fetched time.Time
	ttl     time.Duration
}

// DefaultModelListTTL bounds staleness of cached model lists.
const DefaultModelListTTL = 5 * time.Minute

// NewModelCache creates a model cache. ttl of zero uses the default.
func NewModelCache(ttl time.Duration) *ModelCache {
	if ttl <= 0 {
		ttl = DefaultModelListTTL
	}
	return &ModelCache{ttl: ttl}
}

// Get returns the cached list or fetches a fresh one via fetch.
func (c *ModelCache) Get(ctx context.Context, fetch func(context.Context) ([]string, error)) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.models != nil && time.Since(c.fetched) < c.ttl {
		return append([]string(nil), c.models...), nil
	}
	models, err := fetch(ctx)
	if err != nil {
		// Serve stale data over failing hard when we have any.
		if c.models != nil {
			return append([]string(nil), c.models...), nil
		}
		return nil, err
	}
	c.models = models
	c.fetched = time.Now()
	return append([]string(nil), models...), nil
}

// SingleChunkStream wraps a complete response as a one-chunk stream ending
// in the response's finish reason. Used when an upstream cannot stream.
type SingleChunkStream struct {
	chunk *entity.StreamChunk
	done  bool
}

// NewSingleChunkStream builds the synthesized stream for resp.
func NewSingleChunkStream(resp *entity.ChatResponse) *SingleChunkStream {
	chunk := &entity.StreamChunk{
		ID:      resp.ID,
		Created: resp.Created,
		Model:   resp.Model,
		Usage:   &entity.Usage{},
	}
	*chunk.Usage = resp.Usage
	for _, choice := range resp.Choices {
		finish := choice.FinishReason
		if finish == "" {
			finish = entity.FinishStop
		}
		delta := entity.Delta{Role: choice.Message.Role, Content: choice.Message.Text()}
		for i, tc := range choice.Message.ToolCalls {
			delta.ToolCalls = append(delta.ToolCalls, entity.ToolCallDelta{
				Index:     i,
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
		}
		chunk.Choices = append(chunk.Choices, entity.StreamChoice{
			Index:        choice.Index,
			Delta:        delta,
			FinishReason: finish,
		})
	}
	return &SingleChunkStream{chunk: chunk}
}

func (s *SingleChunkStream) Recv() (*entity.StreamChunk, error) {
	if s.done {
		return nil, io.EOF
	}
	s.done = true
	return s.chunk, nil
}

func (s *SingleChunkStream) Close() error { return nil }
