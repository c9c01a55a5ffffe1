package policy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileEntity is the YAML shape of one entity-type policy.
type fileEntity struct {
	Type         string   `yaml:"type"`
	TTL          string   `yaml:"ttl"`
	Eviction     string   `yaml:"eviction"` // "volatile" (default) or "memory-pressure"
	Warmable     bool     `yaml:"warmable"`
	MaxWarmCount int      `yaml:"max_warm_count"`
	Derives      []string `yaml:"derives"`
}

type fileRoot struct {
	Entities []fileEntity `yaml:"entities"`
}

// FromFile loads and validates a Registry from a YAML policy file:
//
//	entities:
//	  - type: product
//	    ttl: 10m
//	    derives: [price]
//	    warmable: true
//	    max_warm_count: 500
//	  - type: price
//	    ttl: 2m
//	    eviction: memory-pressure
func FromFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return parse(raw)
}

func parse(raw []byte) (*Registry, error) {
	var root fileRoot
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("policy: parse: %w", err)
	}

	var builders []*EntityBuilder
	for _, e := range root.Entities {
		if e.Type == "" {
			return nil, fmt.Errorf("policy: entity with empty type")
		}
		ttl, err := time.ParseDuration(e.TTL)
		if err != nil {
			return nil, fmt.Errorf("policy: entity %q: bad ttl %q: %w", e.Type, e.TTL, err)
		}

		b := Entity(e.Type).TTL(ttl).Derives(e.Derives...)
		switch e.Eviction {
		case "", "volatile":
			b.Volatile()
		case "memory-pressure":
			b.MemoryPressure()
		default:
			return nil, fmt.Errorf("policy: entity %q: unknown eviction class %q", e.Type, e.Eviction)
		}
		if e.Warmable {
			b.Warmable(e.MaxWarmCount)
		}
		builders = append(builders, b)
	}
	return NewRegistry(builders...)
}
