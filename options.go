package hoard

import (
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acornlabs/hoard/health"
	"github.com/acornlabs/hoard/metrics"
)

// cfg holds the internal configuration assembled via functional options.
type cfg struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	health           health.Config
	nearCacheEntries int64
	tracerProvider   trace.TracerProvider

	subscribedTypes []string // nil means every registered type

	warmConcurrency   int
	warmRatePerSecond float64
	warmRateBurst     int
	warmSources       map[string]WarmSource
}

func defaultCfg() cfg {
	return cfg{
		logger:          zap.NewNop(),
		health:          health.DefaultConfig(),
		warmConcurrency: 4,
		warmSources:     make(map[string]WarmSource),
	}
}

// Option configures a Coordinator.
type Option func(*cfg)

// WithLogger sets the logger used across every component. Defaults to a
// no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *cfg) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics wires the Prometheus collectors. Without it, nothing is
// recorded.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *cfg) { c.metrics = m }
}

// WithHealthConfig overrides the fallback thresholds.
func WithHealthConfig(hc health.Config) Option {
	return func(c *cfg) { c.health = hc }
}

// WithNearCache adds an in-process near tier holding up to maxEntries
// globally shared entries.
func WithNearCache(maxEntries int64) Option {
	return func(c *cfg) { c.nearCacheEntries = maxEntries }
}

// WithTracerProvider sets the OpenTelemetry tracer provider for load spans.
// Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *cfg) { c.tracerProvider = tp }
}

// WithSubscribedTypes narrows which entity types' invalidation channels this
// service subscribes to. By default it subscribes to every registered type.
// An empty call disables the subscriber entirely (for publish-only
// services).
func WithSubscribedTypes(entityTypes ...string) Option {
	return func(c *cfg) {
		if entityTypes == nil {
			entityTypes = []string{}
		}
		c.subscribedTypes = entityTypes
	}
}

// WithWarmConcurrency bounds parallel warm fetches. Default 4.
func WithWarmConcurrency(n int) Option {
	return func(c *cfg) { c.warmConcurrency = n }
}

// WithWarmRateLimit paces warm fetches against the source of record.
// Default: unlimited.
func WithWarmRateLimit(perSecond float64, burst int) Option {
	return func(c *cfg) {
		c.warmRatePerSecond = perSecond
		c.warmRateBurst = burst
	}
}

// WithWarmSource registers the candidate listing and fetch used to warm one
// entity type, at startup and via WarmNow. The type must be registered as
// warmable.
func WithWarmSource(entityType string, src WarmSource) Option {
	return func(c *cfg) { c.warmSources[entityType] = src }
}
