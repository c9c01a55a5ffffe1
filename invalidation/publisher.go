package invalidation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acornlabs/hoard/backend"
	"github.com/acornlabs/hoard/metrics"
	"github.com/acornlabs/hoard/policy"
	"github.com/acornlabs/hoard/retry"
)

// Publisher emits invalidation events. Call Publish only after the
// source-of-record write has committed — invalidating before the new data is
// durable would let a racing read repopulate the cache with the old value
// and then miss the correction.
type Publisher struct {
	backend  backend.Backend
	registry *policy.Registry
	metrics  *metrics.Metrics
	logger   *zap.Logger
	retryCfg retry.Config
}

// NewPublisher creates a Publisher. metrics and logger may be nil.
func NewPublisher(b backend.Backend, reg *policy.Registry, m *metrics.Metrics, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		backend:  b,
		registry: reg,
		metrics:  m,
		logger:   logger,
		retryCfg: retry.Config{
			MaxAttempts: 3,
			BaseDelay:   50 * time.Millisecond,
			MaxDelay:    500 * time.Millisecond,
			Jitter:      0.2,
			Retryable:   func(err error) bool { return errors.Is(err, backend.ErrUnavailable) },
		},
	}
}

// Publish emits an event for (entityType, identity). Delivery failures are
// retried briefly, then swallowed with a warning: losing an event costs
// bounded staleness (capped by the entry's TTL), never correctness, and must
// not fail the mutation's request path. The only returned error is an
// unknown entity type, which is a misconfiguration.
func (p *Publisher) Publish(ctx context.Context, entityType, identity, reason string) error {
	if !p.registry.Knows(entityType) {
		return &policy.ErrUnknownEntityType{EntityType: entityType}
	}

	ev := Event{
		ID:         uuid.NewString(),
		EntityType: entityType,
		Identity:   identity,
		Reason:     reason,
		EmittedAt:  time.Now().UTC(),
	}
	payload, err := ev.encode()
	if err != nil {
		return err
	}

	ch := Channel(entityType)
	_, err = retry.Do(ctx, p.retryCfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.backend.Publish(ctx, ch, payload)
	})
	if err != nil {
		p.logger.Warn("invalidation delivery failed, relying on TTL expiry",
			zap.String("entity_type", entityType),
			zap.String("identity", identity),
			zap.Error(err))
		return nil
	}

	p.metrics.IncInvalidationPublished(entityType)
	return nil
}
