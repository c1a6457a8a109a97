package entity

import (
	"strings"

	"github.com/modelgate/modelgate/pkg/errors"
)

// RoutePolicy controls how a failover route expands into attempts.
type RoutePolicy string

const (
	// PolicyKeys tries every key of the first element's backend in order.
	PolicyKeys RoutePolicy = "k"
	// PolicyModels tries each element with only the primary key of its backend.
	PolicyModels RoutePolicy = "m"
	// PolicyKeysModels is the full cross product: for each element, all keys in order.
	PolicyKeysModels RoutePolicy = "km"
	// PolicyModelsKeys round-robins elements over key ranks: all elements on
	// their first key, then all on their second, with modulo for unequal
	// key counts.
	PolicyModelsKeys RoutePolicy = "mk"
)

// ValidPolicy reports whether p is a known route policy.
func ValidPolicy(p RoutePolicy) bool {
	switch p {
	case PolicyKeys, PolicyModels, PolicyKeysModels, PolicyModelsKeys:
		return true
	}
	return false
}

// RouteElement is one (backend, model) pair in a failover route.
type RouteElement struct {
	Backend string `json:"backend"`
	Model   string `json:"model"`
}

func (e RouteElement) String() string { return e.Backend + ":" + e.Model }

// FailoverRoute is a named, ordered list of route elements with an expansion
// policy.
type FailoverRoute struct {
	Name     string         `json:"name"`
	Policy   RoutePolicy    `json:"policy"`
	Elements []RouteElement `json:"elements"`
}

// Clone returns a copy whose element slice is independent.
func (r FailoverRoute) Clone() FailoverRoute {
	cp := r
	cp.Elements = append([]RouteElement(nil), r.Elements...)
	return cp
}

// ParseModelRef splits a "backend:model" reference. Model names may contain
// further colons (e.g. date-stamped Anthropic ids), so only the first colon
// separates.
func ParseModelRef(ref string) (RouteElement, error) {
	idx := strings.Index(ref, ":")
	if idx <= 0 || idx == len(ref)-1 {
		return RouteElement{}, errors.Validation("model reference must be backend:model, got " + ref)
	}
	return RouteElement{Backend: ref[:idx], Model: ref[idx+1:]}, nil
}

// IsModelRef reports whether ref looks like an explicit "backend:model"
// reference rather than a route name.
func IsModelRef(ref string) bool {
	_, err := ParseModelRef(ref)
	return err == nil
}
