package warmer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/acornlabs/hoard/backend"
	"github.com/acornlabs/hoard/health"
	"github.com/acornlabs/hoard/key"
	"github.com/acornlabs/hoard/loader"
	"github.com/acornlabs/hoard/policy"
)

type sourceStub struct {
	mu      sync.Mutex
	fetched map[string]int
	fail    map[string]bool
}

func newSourceStub() *sourceStub {
	return &sourceStub{fetched: make(map[string]int), fail: make(map[string]bool)}
}

func (s *sourceStub) fetch(_ context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetched[id]++
	if s.fail[id] {
		return nil, errors.New("source error")
	}
	return []byte("v:" + id), nil
}

func (s *sourceStub) count(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetched[id]
}

func newTestWarmer(t *testing.T, maxWarm int, opts ...Option) (*Warmer, *backend.Memory, *loader.Loader) {
	t.Helper()
	reg, err := policy.NewRegistry(
		policy.Entity("product").TTL(10*time.Minute).Warmable(maxWarm),
		policy.Entity("session").TTL(time.Hour),
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	mem := backend.NewMemory()
	hc := health.NewController(health.DefaultConfig(), mem, nil)
	ld := loader.New(mem, reg, hc)
	t.Cleanup(ld.Close)
	return New(ld, reg, opts...), mem, ld
}

func candidates(n int) []string {
	out := make([]string, n)
	for i := range n {
		out[i] = fmt.Sprintf("id-%03d", i)
	}
	return out
}

func TestWarm_PopulatesCandidates(t *testing.T) {
	w, mem, _ := newTestWarmer(t, 100)
	src := newSourceStub()

	res, err := w.Warm(t.Context(), "product", candidates(10), src.fetch)
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if res.Warmed != 10 || res.Failed != 0 || res.Skipped != 0 {
		t.Fatalf("result: %+v", res)
	}
	if mem.Len() != 10 {
		t.Fatalf("cached entries: %d", mem.Len())
	}
}

func TestWarm_RespectsMaxWarmCount(t *testing.T) {
	w, mem, _ := newTestWarmer(t, 5)
	src := newSourceStub()

	res, err := w.Warm(t.Context(), "product", candidates(20), src.fetch)
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if res.Warmed != 5 || res.Dropped != 15 {
		t.Fatalf("result: %+v", res)
	}
	if mem.Len() != 5 {
		t.Fatalf("cached entries: %d, want 5", mem.Len())
	}
	// Candidate order is most-requested-first; the head of the list wins.
	if src.count("id-000") != 1 || src.count("id-004") != 1 || src.count("id-005") != 0 {
		t.Fatal("wrong candidates were warmed")
	}
}

func TestWarm_NotWarmable(t *testing.T) {
	w, _, _ := newTestWarmer(t, 5)
	if _, err := w.Warm(t.Context(), "session", candidates(1), newSourceStub().fetch); !errors.Is(err, ErrNotWarmable) {
		t.Fatalf("got %v", err)
	}
	if _, err := w.Warm(t.Context(), "order", candidates(1), newSourceStub().fetch); err == nil {
		t.Fatal("expected unknown entity type error")
	}
}

func TestWarm_PartialFailuresAreSkipped(t *testing.T) {
	w, mem, _ := newTestWarmer(t, 100)
	src := newSourceStub()
	src.fail["id-002"] = true
	src.fail["id-007"] = true

	res, err := w.Warm(t.Context(), "product", candidates(10), src.fetch)
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if res.Warmed != 8 || res.Failed != 2 {
		t.Fatalf("result: %+v", res)
	}
	if mem.Len() != 8 {
		t.Fatalf("cached entries: %d, want 8", mem.Len())
	}
}

func TestWarm_SkipsAlreadyCached(t *testing.T) {
	w, _, ld := newTestWarmer(t, 100)
	src := newSourceStub()

	// Pre-populate one candidate through the request path.
	if _, err := ld.Load(t.Context(), key.New("product", "id-000"), func(ctx context.Context) ([]byte, error) {
		return src.fetch(ctx, "id-000")
	}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	res, err := w.Warm(t.Context(), "product", candidates(3), src.fetch)
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if res.Warmed != 2 || res.Skipped != 1 {
		t.Fatalf("result: %+v", res)
	}
	if src.count("id-000") != 1 {
		t.Fatal("cached candidate was refetched without ForceRefresh")
	}
}

func TestWarm_ForceRefreshRefetches(t *testing.T) {
	w, _, ld := newTestWarmer(t, 100)
	src := newSourceStub()

	if _, err := ld.Load(t.Context(), key.New("product", "id-000"), func(ctx context.Context) ([]byte, error) {
		return src.fetch(ctx, "id-000")
	}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	res, err := w.Warm(t.Context(), "product", candidates(1), src.fetch, ForceRefresh())
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if res.Warmed != 1 || res.Skipped != 0 {
		t.Fatalf("result: %+v", res)
	}
	if src.count("id-000") != 2 {
		t.Fatalf("fetch count: %d, want 2", src.count("id-000"))
	}
}

func TestWarm_ContextCancellation(t *testing.T) {
	w, _, _ := newTestWarmer(t, 1000, WithConcurrency(1), WithRateLimit(5, 1))
	src := newSourceStub()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		_, err := w.Warm(ctx, "product", candidates(100), src.fetch)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("warm run did not stop on cancellation")
	}
}
