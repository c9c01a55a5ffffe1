package policy

import (
	"errors"
	"testing"
	"time"
)

func TestRegistry_Lookup(t *testing.T) {
	r, err := NewRegistry(
		Entity("product").TTL(10*time.Minute).Warmable(500).Derives("price"),
		Entity("price").TTL(2*time.Minute).MemoryPressure(),
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	pol, err := r.Lookup("product")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if pol.TTL != 10*time.Minute {
		t.Fatalf("TTL: got %v", pol.TTL)
	}
	if !pol.Warmable || pol.MaxWarmCount != 500 {
		t.Fatalf("warming config: %+v", pol)
	}
	if len(pol.DerivedTypes) != 1 || pol.DerivedTypes[0] != "price" {
		t.Fatalf("derived types: %v", pol.DerivedTypes)
	}

	if pol, _ := r.Lookup("price"); pol.Eviction != MemoryPressure {
		t.Fatalf("eviction class: got %v", pol.Eviction)
	}
}

func TestRegistry_UnknownType(t *testing.T) {
	r, err := NewRegistry(Entity("product").TTL(time.Minute))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	_, err = r.Lookup("order")
	var unknown *ErrUnknownEntityType
	if !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownEntityType, got %v", err)
	}
	if unknown.EntityType != "order" {
		t.Fatalf("got %q, want %q", unknown.EntityType, "order")
	}
}

func TestRegistry_ValidationFailures(t *testing.T) {
	cases := []struct {
		name     string
		builders []*EntityBuilder
	}{
		{"zero ttl", []*EntityBuilder{Entity("a")}},
		{"duplicate type", []*EntityBuilder{
			Entity("a").TTL(time.Minute),
			Entity("a").TTL(time.Minute),
		}},
		{"warmable without cap", []*EntityBuilder{
			func() *EntityBuilder {
				b := Entity("a").TTL(time.Minute)
				b.pol.Warmable = true
				return b
			}(),
		}},
		{"derives unregistered", []*EntityBuilder{
			Entity("a").TTL(time.Minute).Derives("ghost"),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewRegistry(tc.builders...); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestRegistry_TypesOrder(t *testing.T) {
	r, err := NewRegistry(
		Entity("session").TTL(time.Hour),
		Entity("product").TTL(time.Minute),
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	types := r.Types()
	if len(types) != 2 || types[0] != "session" || types[1] != "product" {
		t.Fatalf("got %v", types)
	}
}
