// Package loader implements the cache-aside read path: consult the backend,
// on a miss load from the source of record exactly once per key, populate
// with the policy TTL, and bypass the backend entirely while it is down.
package loader

import (
	"bytes"
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acornlabs/hoard/backend"
	"github.com/acornlabs/hoard/flight"
	"github.com/acornlabs/hoard/health"
	"github.com/acornlabs/hoard/key"
	"github.com/acornlabs/hoard/metrics"
	"github.com/acornlabs/hoard/policy"
)

// SourceFetch loads the authoritative value from the source of record. It is
// supplied per call by the owner of the read path. Errors are propagated to
// every caller of the load — the cache layer never invents data.
type SourceFetch func(ctx context.Context) ([]byte, error)

// Loader coordinates reads between an optional in-process near cache, the
// shared backend and the source of record. Safe for concurrent use.
type Loader struct {
	backend  backend.Backend
	registry *policy.Registry
	health   *health.Controller
	flights  *flight.Group

	near    *ristretto.Cache[string, []byte]
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// Option configures a Loader.
type Option func(*Loader)

// WithNearCache adds a ristretto-backed in-process tier holding up to
// maxEntries globally shared entries. Variant (per-caller) keys never enter
// the near tier so that identity-wide invalidation stays exact.
func WithNearCache(maxEntries int64) Option {
	return func(l *Loader) {
		rc, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
			NumCounters: maxEntries * 10,
			MaxCost:     maxEntries,
			BufferItems: 64,
		})
		if err != nil {
			// Config is derived from a single positive count; the only
			// failure mode is maxEntries <= 0, which is a programming error.
			panic(err)
		}
		l.near = rc
	}
}

// WithMetrics wires the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loader) { l.metrics = m }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Loader) { l.logger = log }
}

// WithTracerProvider sets the tracer provider used for load spans. Defaults
// to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Loader) { l.tracer = tp.Tracer("github.com/acornlabs/hoard/loader") }
}

// New creates a Loader over the given backend, policy registry and health
// controller.
func New(b backend.Backend, reg *policy.Registry, hc *health.Controller, opts ...Option) *Loader {
	l := &Loader{
		backend:  b,
		registry: reg,
		health:   hc,
		flights:  flight.NewGroup(),
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(l)
	}
	if l.tracer == nil {
		l.tracer = otel.GetTracerProvider().Tracer("github.com/acornlabs/hoard/loader")
	}
	return l
}

// Load returns the value for k, serving from cache when possible and from
// sourceFetch otherwise. For N concurrent callers missing the same key,
// sourceFetch runs exactly once and all N receive the same outcome.
//
// Backend failures never surface: they flip health accounting and degrade
// the call to the source of record. sourceFetch failures always surface.
func (l *Loader) Load(ctx context.Context, k key.Key, sourceFetch SourceFetch) ([]byte, error) {
	pol, err := l.registry.Lookup(k.EntityType)
	if err != nil {
		return nil, err
	}

	ctx, span := l.tracer.Start(ctx, "hoard.load", trace.WithAttributes(
		attribute.String("cache.entity_type", k.EntityType),
		attribute.String("cache.key", k.String()),
	))
	defer span.End()

	start := time.Now()
	val, err := l.load(ctx, k, pol, sourceFetch, span)
	l.metrics.ObserveLoad(k.EntityType, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(otelcodes.Ok, "")
	return val, nil
}

func (l *Loader) load(ctx context.Context, k key.Key, pol policy.Policy, sourceFetch SourceFetch, span trace.Span) ([]byte, error) {
	ks := k.String()

	if l.near != nil && k.Variant == "" {
		if v, ok := l.near.Get(ks); ok {
			span.SetAttributes(attribute.String("cache.result", "hit"), attribute.String("cache.tier", metrics.TierNear))
			l.metrics.RecordHit(k.EntityType, metrics.TierNear)
			return bytes.Clone(v), nil
		}
	}

	// Degraded mode: the backend is known dead, go straight to the source,
	// still under single-flight so a thundering herd cannot reach it.
	if l.health.State() == health.Down {
		span.SetAttributes(attribute.String("cache.result", "degraded"))
		l.metrics.IncDegraded()
		v, err := l.flights.Do(ctx, ks, func(fctx context.Context) ([]byte, error) {
			return l.fetchSource(fctx, sourceFetch)
		})
		if err != nil {
			return nil, err
		}
		return bytes.Clone(v), nil
	}

	v, ok, err := l.backend.Get(ctx, ks)
	switch {
	case err != nil:
		// This call's own failure is the fallback signal; serve it from the
		// source and let health accounting decide about the next one.
		l.health.ReportFailure()
		l.logger.Warn("backend read failed, serving from source", zap.String("key", ks), zap.Error(err))
	case ok:
		l.health.ReportSuccess()
		span.SetAttributes(attribute.String("cache.result", "hit"), attribute.String("cache.tier", metrics.TierBackend))
		l.metrics.RecordHit(k.EntityType, metrics.TierBackend)
		l.promote(ks, k, pol, v)
		return bytes.Clone(v), nil
	default:
		l.health.ReportSuccess()
	}

	span.SetAttributes(attribute.String("cache.result", "miss"))
	l.metrics.RecordMiss(k.EntityType)

	val, err := l.flights.Do(ctx, ks, func(fctx context.Context) ([]byte, error) {
		fetched, err := l.fetchSource(fctx, sourceFetch)
		if err != nil {
			// Never cache a failure; every waiter sees this error.
			return nil, err
		}
		l.store(fctx, ks, k, pol, fetched)
		return fetched, nil
	})
	if err != nil {
		return nil, err
	}
	return bytes.Clone(val), nil
}

// fetchSource runs the caller-supplied source-of-record fetch in its own
// span.
func (l *Loader) fetchSource(ctx context.Context, sourceFetch SourceFetch) ([]byte, error) {
	ctx, span := l.tracer.Start(ctx, "hoard.source_fetch")
	defer span.End()
	val, err := sourceFetch(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(otelcodes.Ok, "")
	return val, nil
}

// store populates the backend (and near tier) after a successful source
// fetch. Cache writes are best-effort: losing one costs a future miss, not
// correctness.
func (l *Loader) store(ctx context.Context, ks string, k key.Key, pol policy.Policy, val []byte) {
	if l.health.State() == health.Down {
		return
	}
	if err := l.backend.Set(ctx, ks, val, pol.TTL); err != nil {
		l.health.ReportFailure()
		l.logger.Warn("backend write failed, entry not cached", zap.String("key", ks), zap.Error(err))
		return
	}
	l.health.ReportSuccess()
	l.promote(ks, k, pol, val)
}

// promote copies a value into the near tier.
func (l *Loader) promote(ks string, k key.Key, pol policy.Policy, val []byte) {
	if l.near == nil || k.Variant != "" {
		return
	}
	l.near.SetWithTTL(ks, bytes.Clone(val), 1, pol.TTL)
	l.near.Wait()
}

// Evict removes k from every tier this process controls. Evicting an absent
// key is a no-op.
func (l *Loader) Evict(ctx context.Context, k key.Key) error {
	ks := k.String()
	if l.near != nil {
		l.near.Del(ks)
	}
	if l.health.State() == health.Down {
		return nil
	}
	if err := l.backend.Delete(ctx, ks); err != nil {
		l.health.ReportFailure()
		return err
	}
	l.health.ReportSuccess()
	return nil
}

// EvictIdentity removes the base key and every variant key of one identity.
func (l *Loader) EvictIdentity(ctx context.Context, entityType, identity string) error {
	if l.near != nil {
		l.near.Del(key.New(entityType, identity).String())
	}
	if l.health.State() == health.Down {
		return nil
	}
	if err := l.backend.Delete(ctx, key.New(entityType, identity).String()); err != nil {
		l.health.ReportFailure()
		return err
	}
	if _, err := l.backend.DeletePattern(ctx, key.VariantPattern(entityType, identity)); err != nil {
		l.health.ReportFailure()
		return err
	}
	l.health.ReportSuccess()
	return nil
}

// EvictType removes every key of one entity type (administrative flush).
// The near tier has no per-type enumeration, so a flush clears it whole; a
// flush is rare enough that the extra misses do not matter.
func (l *Loader) EvictType(ctx context.Context, entityType string) (int, error) {
	if !l.registry.Knows(entityType) {
		return 0, &policy.ErrUnknownEntityType{EntityType: entityType}
	}
	if l.near != nil {
		l.near.Clear()
	}
	if l.health.State() == health.Down {
		return 0, nil
	}
	n, err := l.backend.DeletePattern(ctx, key.TypePattern(entityType))
	if err != nil {
		l.health.ReportFailure()
		return n, err
	}
	l.health.ReportSuccess()
	return n, nil
}

// Close releases the near tier.
func (l *Loader) Close() {
	if l.near != nil {
		l.near.Close()
	}
}
