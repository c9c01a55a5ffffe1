// Package policy holds the per-entity-type cache configuration: TTL,
// eviction class, warming limits and derived-type relationships. A Registry
// is assembled once at startup, validated, and read-only afterwards.
package policy

import "time"

// EvictionClass selects which backend eviction behaviour a type's entries
// participate in.
type EvictionClass int

const (
	// Volatile entries live until their TTL expires and are never evicted
	// early by memory pressure.
	Volatile EvictionClass = iota
	// MemoryPressure entries still carry their TTL as a staleness bound but
	// are additionally candidates for the backend's maxmemory eviction.
	MemoryPressure
)

func (c EvictionClass) String() string {
	switch c {
	case Volatile:
		return "volatile"
	case MemoryPressure:
		return "memory-pressure"
	default:
		return "unknown"
	}
}

// Policy is the configuration applied to every cache entry of one entity
// type. Immutable after registry construction.
type Policy struct {
	// TTL bounds how stale an entry can go if invalidation delivery fails.
	TTL time.Duration

	// Eviction selects the backend eviction class.
	Eviction EvictionClass

	// Warmable marks the type as eligible for startup / on-demand warming.
	Warmable bool

	// MaxWarmCount caps how many entries a single warm run may populate.
	// Zero means the type cannot be warmed even if Warmable is set.
	MaxWarmCount int

	// DerivedTypes lists entity types whose cached values are computed from
	// this type (for example price derived from product). Invalidating an
	// identity of this type also evicts all variant keys of each derived
	// type sharing that identity.
	DerivedTypes []string
}

// EntityBuilder constructs the policy for one entity type.
type EntityBuilder struct {
	name string
	pol  Policy
}

// Entity starts building the policy for the named entity type.
func Entity(name string) *EntityBuilder {
	return &EntityBuilder{name: name}
}

// TTL sets the entry time-to-live.
func (b *EntityBuilder) TTL(d time.Duration) *EntityBuilder {
	b.pol.TTL = d
	return b
}

// Volatile selects TTL-only eviction (the default).
func (b *EntityBuilder) Volatile() *EntityBuilder {
	b.pol.Eviction = Volatile
	return b
}

// MemoryPressure marks entries as additionally evictable under backend
// memory pressure.
func (b *EntityBuilder) MemoryPressure() *EntityBuilder {
	b.pol.Eviction = MemoryPressure
	return b
}

// Warmable marks the type as warmable with the given per-run cap.
func (b *EntityBuilder) Warmable(maxWarmCount int) *EntityBuilder {
	b.pol.Warmable = true
	b.pol.MaxWarmCount = maxWarmCount
	return b
}

// Derives declares entity types computed from this one.
func (b *EntityBuilder) Derives(types ...string) *EntityBuilder {
	b.pol.DerivedTypes = append(b.pol.DerivedTypes, types...)
	return b
}
