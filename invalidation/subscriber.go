package invalidation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/acornlabs/hoard/backend"
	"github.com/acornlabs/hoard/loader"
	"github.com/acornlabs/hoard/metrics"
	"github.com/acornlabs/hoard/policy"
	"github.com/acornlabs/hoard/retry"
)

// Subscriber listens for invalidation events and evicts the affected keys
// from this service's cache tiers. Eviction is idempotent, so at-least-once
// delivery and duplicate events are harmless; a dropped subscription is
// re-established with backoff, and any staleness accumulated while
// disconnected is bounded by each entry's TTL.
type Subscriber struct {
	backend  backend.Backend
	loader   *loader.Loader
	registry *policy.Registry
	types    []string
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// observer, when set, runs after an event's evictions complete. Used by
	// services that refresh derived values eagerly instead of lazily.
	observer func(Event)
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithMetrics wires the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Subscriber) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Subscriber) { s.logger = logger }
}

// WithObserver registers a hook invoked after each event is applied.
func WithObserver(fn func(Event)) Option {
	return func(s *Subscriber) { s.observer = fn }
}

// NewSubscriber creates a Subscriber for the channels of the given entity
// types. Every type must be registered.
func NewSubscriber(b backend.Backend, l *loader.Loader, reg *policy.Registry, entityTypes []string, opts ...Option) (*Subscriber, error) {
	for _, t := range entityTypes {
		if !reg.Knows(t) {
			return nil, &policy.ErrUnknownEntityType{EntityType: t}
		}
	}
	s := &Subscriber{
		backend:  b,
		loader:   l,
		registry: reg,
		types:    entityTypes,
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Run consumes events until ctx is done. Connection loss triggers a
// reconnect with exponential backoff; Run only returns on cancellation.
func (s *Subscriber) Run(ctx context.Context) error {
	channels := make([]string, len(s.types))
	for i, t := range s.types {
		channels[i] = Channel(t)
	}

	for {
		sub, err := retry.Do(ctx, retry.Config{
			Forever:   true,
			BaseDelay: 100 * time.Millisecond,
			MaxDelay:  5 * time.Second,
			Jitter:    0.2,
		}, func(ctx context.Context) (backend.Subscription, error) {
			return s.backend.Subscribe(ctx, channels...)
		})
		if err != nil {
			return err // only context errors escape a Forever retry
		}
		s.logger.Info("invalidation subscriber connected", zap.Strings("channels", channels))

		if err := s.consume(ctx, sub); err != nil {
			return err
		}
		s.logger.Warn("invalidation subscription lost, reconnecting")
	}
}

// consume drains one subscription. A nil return means the subscription
// closed and the caller should reconnect; a non-nil return is cancellation.
func (s *Subscriber) consume(ctx context.Context, sub backend.Subscription) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			s.handle(ctx, msg)
		}
	}
}

// handle applies one event. All failures are logged and absorbed: a broken
// event or a failed eviction must never disturb foreground traffic.
func (s *Subscriber) handle(ctx context.Context, msg backend.Message) {
	ev, err := decode(msg.Payload)
	if err != nil {
		s.logger.Warn("discarding malformed invalidation event",
			zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	s.metrics.IncInvalidationReceived(ev.EntityType)

	// A flush covers the whole type, not one identity: clear the local
	// tiers wholesale. The publisher already cleared the shared backend;
	// repeating the pattern delete is an idempotent no-op.
	if ev.Reason == ReasonFlush {
		if _, err := s.loader.EvictType(ctx, ev.EntityType); err != nil && !errors.Is(err, backend.ErrUnavailable) {
			s.logger.Warn("flush eviction failed", zap.String("entity_type", ev.EntityType), zap.Error(err))
		}
		if s.observer != nil {
			s.observer(ev)
		}
		return
	}

	s.evict(ctx, ev.EntityType, ev.Identity)

	// Fan out to derived types: a product change invalidates every cached
	// per-user price computed from it.
	if pol, err := s.registry.Lookup(ev.EntityType); err == nil {
		for _, derived := range pol.DerivedTypes {
			s.evict(ctx, derived, ev.Identity)
		}
	}

	if s.observer != nil {
		s.observer(ev)
	}
}

func (s *Subscriber) evict(ctx context.Context, entityType, identity string) {
	if err := s.loader.EvictIdentity(ctx, entityType, identity); err != nil {
		if !errors.Is(err, backend.ErrUnavailable) {
			s.logger.Warn("invalidation eviction failed",
				zap.String("entity_type", entityType),
				zap.String("identity", identity),
				zap.Error(err))
		}
		// Backend-unavailable evictions are silently abandoned: while the
		// backend is down nothing is being served from it anyway, and TTLs
		// bound whatever survives the outage.
	}
}
