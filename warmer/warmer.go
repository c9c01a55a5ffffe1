// Package warmer pre-populates a bounded working set of cache entries, at
// process start and on administrative demand. Warming runs outside the
// request path: individual fetch failures are logged and skipped, and a
// partially warmed cache is a normal outcome, not an error.
package warmer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/acornlabs/hoard/key"
	"github.com/acornlabs/hoard/loader"
	"github.com/acornlabs/hoard/metrics"
	"github.com/acornlabs/hoard/policy"
)

// ErrNotWarmable reports a warm request for a type whose policy does not
// allow warming.
var ErrNotWarmable = errors.New("warmer: entity type is not warmable")

// Fetcher loads one identity from the source of record during warming.
type Fetcher func(ctx context.Context, identity string) ([]byte, error)

// Result summarises one warm run.
type Result struct {
	Warmed  int // entries fetched and populated
	Skipped int // candidates already cached
	Failed  int // candidates whose fetch failed
	Dropped int // candidates beyond the policy's MaxWarmCount
}

// Warmer drives warm runs through the regular cache-aside loader, so warmed
// entries get the same TTLs, stampede protection and health handling as
// request-path loads.
type Warmer struct {
	loader   *loader.Loader
	registry *policy.Registry
	metrics  *metrics.Metrics
	logger   *zap.Logger

	concurrency int
	limiter     *rate.Limiter
}

// Option configures a Warmer.
type Option func(*Warmer)

// WithConcurrency bounds how many candidates warm in parallel. Default 4.
func WithConcurrency(n int) Option {
	return func(w *Warmer) { w.concurrency = n }
}

// WithRateLimit paces source-of-record fetches so a large warm run cannot
// saturate the store the cache exists to protect. Default: unlimited.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(w *Warmer) { w.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithMetrics wires the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Warmer) { w.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Warmer) { w.logger = logger }
}

// New creates a Warmer.
func New(l *loader.Loader, reg *policy.Registry, opts ...Option) *Warmer {
	w := &Warmer{
		loader:      l,
		registry:    reg,
		logger:      zap.NewNop(),
		concurrency: 4,
	}
	for _, o := range opts {
		o(w)
	}
	if w.concurrency < 1 {
		w.concurrency = 1
	}
	return w
}

// RunOption adjusts a single warm run.
type RunOption func(*runConfig)

type runConfig struct {
	forceRefresh bool
}

// ForceRefresh evicts each candidate before loading, so warming overwrites
// whatever is cached instead of keeping it.
func ForceRefresh() RunOption {
	return func(c *runConfig) { c.forceRefresh = true }
}

// Warm populates entries for up to MaxWarmCount of the candidate identities,
// in candidate order (callers supply them most-requested first). It returns
// early only on context cancellation; per-candidate failures are absorbed
// into the Result.
func (w *Warmer) Warm(ctx context.Context, entityType string, candidates []string, fetch Fetcher, opts ...RunOption) (Result, error) {
	var cfg runConfig
	for _, o := range opts {
		o(&cfg)
	}

	pol, err := w.registry.Lookup(entityType)
	if err != nil {
		return Result{}, err
	}
	if !pol.Warmable {
		return Result{}, fmt.Errorf("%w: %s", ErrNotWarmable, entityType)
	}

	var res Result
	if len(candidates) > pol.MaxWarmCount {
		res.Dropped = len(candidates) - pol.MaxWarmCount
		candidates = candidates[:pol.MaxWarmCount]
	}

	var warmed, skipped, failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, id := range candidates {
		g.Go(func() error {
			if w.limiter != nil {
				if err := w.limiter.Wait(gctx); err != nil {
					return err
				}
			}
			k := key.New(entityType, id)
			if cfg.forceRefresh {
				if err := w.loader.Evict(gctx, k); err != nil {
					w.logger.Warn("warm eviction failed", zap.String("key", k.String()), zap.Error(err))
				}
			}
			var fetched bool
			_, err := w.loader.Load(gctx, k, func(fctx context.Context) ([]byte, error) {
				fetched = true
				return fetch(fctx, id)
			})
			switch {
			case err != nil:
				failed.Add(1)
				w.logger.Warn("warm fetch failed, skipping candidate",
					zap.String("entity_type", entityType),
					zap.String("identity", id),
					zap.Error(err))
			case fetched:
				warmed.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Only the rate limiter surfaces errors here, and only for context
		// cancellation.
		return res, err
	}

	res.Warmed = int(warmed.Load())
	res.Skipped = int(skipped.Load())
	res.Failed = int(failed.Load())
	w.metrics.AddWarmed(entityType, res.Warmed)
	w.logger.Info("warm run finished",
		zap.String("entity_type", entityType),
		zap.Int("warmed", res.Warmed),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
		zap.Int("dropped", res.Dropped))
	return res, nil
}
