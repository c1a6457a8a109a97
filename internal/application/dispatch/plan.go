package dispatch

import (
	"context"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/domain/session"
	"github.com/modelgate/modelgate/internal/infrastructure/connector"
	"github.com/modelgate/modelgate/pkg/errors"
)

// Attempt is one planned (backend, model, key) upstream try.
type Attempt struct {
	Backend *connector.Backend
	Model   string
	Key     connector.Key
}

// Planner expands a model reference into an ordered attempt sequence.
type Planner struct {
	registry       *connector.Registry
	defaultBackend string
}

// NewPlanner creates a planner resolving bare model names against the
// default backend.
func NewPlanner(registry *connector.Registry, defaultBackend string) *Planner {
	return &Planner{registry: registry, defaultBackend: defaultBackend}
}

// Plan builds the attempt sequence for a request. Precedence: the session's
// one-off route wins once, then named failover routes, then explicit
// backend:model references, then the default backend.
func (p *Planner) Plan(ctx context.Context, modelRef string, state session.State) ([]Attempt, error) {
	if state.OneOff != nil {
		return p.expandElement(ctx, *state.OneOff)
	}
	if route, ok := state.Route(modelRef); ok {
		return p.expandRoute(ctx, route)
	}
	if el, err := entity.ParseModelRef(modelRef); err == nil {
		return p.expandElement(ctx, el)
	}
	if p.defaultBackend == "" {
		return nil, errors.Validation("no default backend configured for bare model name " + modelRef)
	}
	return p.expandElement(ctx, entity.RouteElement{Backend: p.defaultBackend, Model: modelRef})
}

// expandElement is a single (backend, model) crossed with its keys in order.
func (p *Planner) expandElement(ctx context.Context, el entity.RouteElement) ([]Attempt, error) {
	backend, ok := p.registry.Get(el.Backend)
	if !ok {
		return nil, &errors.Error{
			Kind:    errors.KindNotFound,
			Message: "unknown backend " + el.Backend,
			Backend: el.Backend,
		}
	}
	var attempts []Attempt
	for _, key := range backend.ResolveKeys(ctx) {
		attempts = append(attempts, Attempt{Backend: backend, Model: el.Model, Key: key})
	}
	if len(attempts) == 0 {
		return nil, &errors.Error{
			Kind:    errors.KindUpstreamTransient,
			Message: "backend " + el.Backend + " has no usable keys",
			Backend: el.Backend,
		}
	}
	return attempts, nil
}

func (p *Planner) expandRoute(ctx context.Context, route entity.FailoverRoute) ([]Attempt, error) {
	if len(route.Elements) == 0 {
		return nil, errors.Validation("route " + route.Name + " has no elements")
	}

	type expanded struct {
		backend *connector.Backend
		model   string
		keys    []connector.Key
	}
	els := make([]expanded, 0, len(route.Elements))
	for _, el := range route.Elements {
		backend, ok := p.registry.Get(el.Backend)
		if !ok {
			return nil, &errors.Error{
				Kind:    errors.KindNotFound,
				Message: "route " + route.Name + " references unknown backend " + el.Backend,
				Backend: el.Backend,
			}
		}
		els = append(els, expanded{backend: backend, model: el.Model, keys: backend.ResolveKeys(ctx)})
	}

	var attempts []Attempt
	switch route.Policy {
	case entity.PolicyKeys:
		first := els[0]
		for _, key := range first.keys {
			attempts = append(attempts, Attempt{Backend: first.backend, Model: first.model, Key: key})
		}

	case entity.PolicyModels:
		for _, el := range els {
			if len(el.keys) == 0 {
				continue
			}
			attempts = append(attempts, Attempt{Backend: el.backend, Model: el.model, Key: el.keys[0]})
		}

	case entity.PolicyKeysModels:
		for _, el := range els {
			for _, key := range el.keys {
				attempts = append(attempts, Attempt{Backend: el.backend, Model: el.model, Key: key})
			}
		}

	case entity.PolicyModelsKeys:
		// Round-robin key ranks across elements; elements with fewer keys
		// wrap via modulo so every rank still covers every element.
		maxKeys := 0
		for _, el := range els {
			if len(el.keys) > maxKeys {
				maxKeys = len(el.keys)
			}
		}
		for rank := 0; rank < maxKeys; rank++ {
			for _, el := range els {
				if len(el.keys) == 0 {
					continue
				}
				key := el.keys[rank%len(el.keys)]
				attempts = append(attempts, Attempt{Backend: el.backend, Model: el.model, Key: key})
			}
		}

	default:
		return nil, errors.Validation("route " + route.Name + " has unknown policy " + string(route.Policy))
	}

	if len(attempts) == 0 {
		return nil, &errors.Error{
			Kind:    errors.KindUpstreamTransient,
			Message: "route " + route.Name + " expanded to no usable attempts",
		}
	}
	return attempts, nil
}
