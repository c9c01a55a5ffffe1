package policy

import (
	"fmt"
	"time"
)

// ErrUnknownEntityType reports a lookup for an entity type that was never
// registered. This is a misconfiguration: registries are validated at
// startup, so hitting it at runtime means a caller invented a type name.
type ErrUnknownEntityType struct {
	EntityType string
}

func (e *ErrUnknownEntityType) Error() string {
	return fmt.Sprintf("policy: unknown entity type %q", e.EntityType)
}

// Registry maps entity types to their policies. Construct it once with
// [NewRegistry] (or [FromFile]), validate, then share it freely: all methods
// are read-only and safe for concurrent use.
type Registry struct {
	policies map[string]Policy
	order    []string
}

// NewRegistry builds a Registry from entity builders and validates it.
func NewRegistry(entities ...*EntityBuilder) (*Registry, error) {
	r := &Registry{policies: make(map[string]Policy, len(entities))}
	for _, b := range entities {
		if _, dup := r.policies[b.name]; dup {
			return nil, fmt.Errorf("policy: entity type %q registered twice", b.name)
		}
		r.policies[b.name] = b.pol
		r.order = append(r.order, b.name)
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Lookup returns the policy for entityType.
func (r *Registry) Lookup(entityType string) (Policy, error) {
	pol, ok := r.policies[entityType]
	if !ok {
		return Policy{}, &ErrUnknownEntityType{EntityType: entityType}
	}
	return pol, nil
}

// Knows reports whether entityType is registered.
func (r *Registry) Knows(entityType string) bool {
	_, ok := r.policies[entityType]
	return ok
}

// Types returns the registered entity types in registration order.
func (r *Registry) Types() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// TTL returns the configured TTL for entityType.
func (r *Registry) TTL(entityType string) (time.Duration, error) {
	pol, err := r.Lookup(entityType)
	if err != nil {
		return 0, err
	}
	return pol.TTL, nil
}

// validate enforces the startup invariants: positive TTLs, warm caps for
// warmable types, and derived types that resolve within the registry.
func (r *Registry) validate() error {
	for name, pol := range r.policies {
		if pol.TTL <= 0 {
			return fmt.Errorf("policy: entity type %q has non-positive TTL %v", name, pol.TTL)
		}
		if pol.Warmable && pol.MaxWarmCount <= 0 {
			return fmt.Errorf("policy: warmable entity type %q needs MaxWarmCount > 0", name)
		}
		for _, d := range pol.DerivedTypes {
			if _, ok := r.policies[d]; !ok {
				return fmt.Errorf("policy: entity type %q derives unregistered type %q", name, d)
			}
		}
	}
	return nil
}
