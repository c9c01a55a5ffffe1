package invalidation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/acornlabs/hoard/backend"
	"github.com/acornlabs/hoard/health"
	"github.com/acornlabs/hoard/key"
	"github.com/acornlabs/hoard/loader"
	"github.com/acornlabs/hoard/policy"
)

type fixture struct {
	mem *backend.Memory
	ld  *loader.Loader
	reg *policy.Registry
	pub *Publisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := policy.NewRegistry(
		policy.Entity("product").TTL(10*time.Minute).Derives("price"),
		policy.Entity("price").TTL(2*time.Minute),
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	mem := backend.NewMemory()
	hc := health.NewController(health.DefaultConfig(), mem, nil)
	ld := loader.New(mem, reg, hc)
	t.Cleanup(ld.Close)
	return &fixture{
		mem: mem,
		ld:  ld,
		reg: reg,
		pub: NewPublisher(mem, reg, nil, nil),
	}
}

// startSubscriber runs a subscriber for the given types and blocks until the
// subscription is live.
func (f *fixture) startSubscriber(t *testing.T, types []string, opts ...Option) {
	t.Helper()
	sub, err := NewSubscriber(f.mem, f.ld, f.reg, types, opts...)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	f.waitFor(t, "subscriber connect", func() bool {
		return f.mem.SubscriberCount(Channel(types[0])) == 1
	})
}

func (f *fixture) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) cached(t *testing.T, k key.Key) bool {
	t.Helper()
	_, ok, err := f.mem.Get(t.Context(), k.String())
	if err != nil {
		t.Fatalf("Get %s: %v", k, err)
	}
	return ok
}

func (f *fixture) loadAll(t *testing.T, keys ...key.Key) {
	t.Helper()
	for _, k := range keys {
		k := k
		_, err := f.ld.Load(t.Context(), k, func(context.Context) ([]byte, error) {
			return []byte("v:" + k.String()), nil
		})
		if err != nil {
			t.Fatalf("Load %s: %v", k, err)
		}
	}
}

func TestPublish_EvictsPrimaryAndDerivedVariants(t *testing.T) {
	f := newFixture(t)

	product1 := key.New("product", "1")
	priceU1 := key.NewVariant("price", "1", "u1")
	priceU2 := key.NewVariant("price", "1", "u2")
	product2 := key.New("product", "2")
	f.loadAll(t, product1, priceU1, priceU2, product2)

	f.startSubscriber(t, []string{"product"})

	if err := f.pub.Publish(t.Context(), "product", "1", ReasonUpdate); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	f.waitFor(t, "eviction", func() bool { return !f.cached(t, product1) })
	if f.cached(t, priceU1) || f.cached(t, priceU2) {
		t.Fatal("derived price variants survived the product invalidation")
	}
	if !f.cached(t, product2) {
		t.Fatal("unrelated identity was evicted")
	}
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)

	product1 := key.New("product", "1")
	f.loadAll(t, product1)

	var applied atomic.Int32
	f.startSubscriber(t, []string{"product"}, WithObserver(func(Event) { applied.Add(1) }))

	// The same logical event twice: the backend gives at-least-once
	// delivery, so subscribers must treat repeats as no-ops.
	ev := Event{ID: "fixed", EntityType: "product", Identity: "1", Reason: ReasonUpdate, EmittedAt: time.Now()}
	payload, err := ev.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for range 2 {
		if err := f.mem.Publish(t.Context(), Channel("product"), payload); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	f.waitFor(t, "both deliveries", func() bool { return applied.Load() == 2 })
	if f.cached(t, product1) {
		t.Fatal("entry still cached after invalidation")
	}
}

func TestMalformedPayloadIsDiscarded(t *testing.T) {
	f := newFixture(t)
	product1 := key.New("product", "1")
	f.loadAll(t, product1)

	var applied atomic.Int32
	f.startSubscriber(t, []string{"product"}, WithObserver(func(Event) { applied.Add(1) }))

	if err := f.mem.Publish(t.Context(), Channel("product"), []byte("not json")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := f.pub.Publish(t.Context(), "product", "1", ReasonDelete); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// The well-formed event is applied; the garbage one never reaches the
	// observer.
	f.waitFor(t, "good event", func() bool { return applied.Load() == 1 })
	if f.cached(t, product1) {
		t.Fatal("entry still cached")
	}
}

func TestSubscriberReconnects(t *testing.T) {
	f := newFixture(t)
	product1 := key.New("product", "1")
	f.loadAll(t, product1)

	f.startSubscriber(t, []string{"product"})

	// Sever the subscription; the run loop must re-subscribe on its own.
	f.mem.DropSubscribers()
	f.waitFor(t, "reconnect", func() bool {
		return f.mem.SubscriberCount(Channel("product")) == 1
	})

	if err := f.pub.Publish(t.Context(), "product", "1", ReasonUpdate); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	f.waitFor(t, "eviction after reconnect", func() bool { return !f.cached(t, product1) })
}

func TestPublisher_UnknownType(t *testing.T) {
	f := newFixture(t)
	if err := f.pub.Publish(t.Context(), "order", "1", ReasonUpdate); err == nil {
		t.Fatal("expected unknown entity type error")
	}
}

func TestPublisher_SwallowsDeliveryFailure(t *testing.T) {
	f := newFixture(t)
	f.mem.SetAvailable(false)

	// Delivery failure must not surface to the mutation's request path.
	if err := f.pub.Publish(t.Context(), "product", "1", ReasonUpdate); err != nil {
		t.Fatalf("Publish during outage: %v", err)
	}
}

func TestNewSubscriber_UnknownType(t *testing.T) {
	f := newFixture(t)
	if _, err := NewSubscriber(f.mem, f.ld, f.reg, []string{"order"}); err == nil {
		t.Fatal("expected unknown entity type error")
	}
}

func TestDecode(t *testing.T) {
	ev := Event{ID: "x", EntityType: "product", Identity: "1", Reason: ReasonUpdate, EmittedAt: time.Now().UTC()}
	payload, err := ev.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EntityType != "product" || got.Identity != "1" || got.ID != "x" {
		t.Fatalf("got %+v", got)
	}

	if _, err := decode([]byte(`{"entity_type":""}`)); err == nil {
		t.Fatal("expected error for missing fields")
	}
}
