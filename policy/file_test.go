package policy

import (
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
entities:
  - type: product
    ttl: 10m
    warmable: true
    max_warm_count: 500
    derives: [price]
  - type: price
    ttl: 2m
    eviction: memory-pressure
  - type: session
    ttl: 30m
`

func TestParse(t *testing.T) {
	r, err := parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	pol, err := r.Lookup("product")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if pol.TTL != 10*time.Minute || !pol.Warmable || pol.MaxWarmCount != 500 {
		t.Fatalf("product policy: %+v", pol)
	}

	pol, _ = r.Lookup("price")
	if pol.Eviction != MemoryPressure {
		t.Fatalf("price eviction: %v", pol.Eviction)
	}

	pol, _ = r.Lookup("session")
	if pol.Eviction != Volatile {
		t.Fatalf("session should default to volatile, got %v", pol.Eviction)
	}
}

func TestParse_Errors(t *testing.T) {
	cases := map[string]string{
		"bad ttl":          strings.Replace(sampleYAML, "ttl: 10m", "ttl: soon", 1),
		"bad eviction":     strings.Replace(sampleYAML, "memory-pressure", "lru", 1),
		"empty type":       strings.Replace(sampleYAML, "type: session", `type: ""`, 1),
		"unresolved chain": strings.Replace(sampleYAML, "derives: [price]", "derives: [ghost]", 1),
	}
	for name, y := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := parse([]byte(y)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
