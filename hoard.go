// Package hoard coordinates read-through caching across services that share
// one distributed cache backend: cache-aside loads with single-flight
// stampede protection, per-entity-type TTL policies, cross-service
// invalidation over pub/sub, startup warming, and graceful degradation to
// the source of record when the backend is unreachable.
//
// A Coordinator is constructed explicitly and passed by reference to the
// components that need it — there is no ambient singleton. Typical wiring:
//
//	reg, _ := policy.NewRegistry(
//		policy.Entity("product").TTL(10*time.Minute).Warmable(500).Derives("price"),
//		policy.Entity("price").TTL(2*time.Minute),
//	)
//	co, _ := hoard.New(backend.NewRedis(addr, "", 0), reg,
//		hoard.WithLogger(logger),
//		hoard.WithMetrics(metrics.New(nil)),
//	)
//	co.Start(ctx)
//	defer co.Close()
//
//	val, err := co.Get(ctx, "product", "42", fetchProductFromDB)
package hoard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acornlabs/hoard/admin"
	"github.com/acornlabs/hoard/backend"
	"github.com/acornlabs/hoard/health"
	"github.com/acornlabs/hoard/invalidation"
	"github.com/acornlabs/hoard/key"
	"github.com/acornlabs/hoard/loader"
	"github.com/acornlabs/hoard/policy"
	"github.com/acornlabs/hoard/warmer"
)

// WarmSource supplies a warmable entity type with its candidate identities
// (most-requested first, from the source of record) and a per-identity
// fetch.
type WarmSource struct {
	Candidates func(ctx context.Context) ([]string, error)
	Fetch      warmer.Fetcher
}

// Coordinator is the per-process entry point to the cache layer. Safe for
// concurrent use once constructed.
type Coordinator struct {
	cfg cfg

	backend    backend.Backend
	registry   *policy.Registry
	health     *health.Controller
	loader     *loader.Loader
	publisher  *invalidation.Publisher
	subscriber *invalidation.Subscriber
	warmer     *warmer.Warmer

	stop    context.CancelFunc
	stopped sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// New creates a Coordinator over the given backend and policy registry. The
// registry is validated at construction; an invalid subscription type list
// fails here rather than at runtime.
func New(b backend.Backend, reg *policy.Registry, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		cfg:      defaultCfg(),
		backend:  b,
		registry: reg,
	}
	for _, o := range opts {
		o(&c.cfg)
	}

	c.health = health.NewController(c.cfg.health, b, c.cfg.logger)
	c.health.OnTransition(func(s health.State) {
		c.cfg.metrics.SetBackendUp(s == health.Up)
	})
	c.cfg.metrics.SetBackendUp(true)

	loaderOpts := []loader.Option{
		loader.WithMetrics(c.cfg.metrics),
		loader.WithLogger(c.cfg.logger),
	}
	if c.cfg.nearCacheEntries > 0 {
		loaderOpts = append(loaderOpts, loader.WithNearCache(c.cfg.nearCacheEntries))
	}
	if c.cfg.tracerProvider != nil {
		loaderOpts = append(loaderOpts, loader.WithTracerProvider(c.cfg.tracerProvider))
	}
	c.loader = loader.New(b, reg, c.health, loaderOpts...)

	c.publisher = invalidation.NewPublisher(b, reg, c.cfg.metrics, c.cfg.logger)

	subTypes := c.cfg.subscribedTypes
	if subTypes == nil {
		subTypes = reg.Types()
	}
	if len(subTypes) > 0 {
		sub, err := invalidation.NewSubscriber(b, c.loader, reg, subTypes,
			invalidation.WithMetrics(c.cfg.metrics),
			invalidation.WithLogger(c.cfg.logger),
		)
		if err != nil {
			return nil, err
		}
		c.subscriber = sub
	}

	warmOpts := []warmer.Option{
		warmer.WithMetrics(c.cfg.metrics),
		warmer.WithLogger(c.cfg.logger),
		warmer.WithConcurrency(c.cfg.warmConcurrency),
	}
	if c.cfg.warmRatePerSecond > 0 {
		warmOpts = append(warmOpts, warmer.WithRateLimit(c.cfg.warmRatePerSecond, c.cfg.warmRateBurst))
	}
	c.warmer = warmer.New(c.loader, reg, warmOpts...)

	for t := range c.cfg.warmSources {
		pol, err := reg.Lookup(t)
		if err != nil {
			return nil, err
		}
		if !pol.Warmable {
			return nil, fmt.Errorf("hoard: warm source registered for non-warmable type %q", t)
		}
	}

	return c, nil
}

// Start launches the background loops (health probing, invalidation
// subscription) and runs startup warming for every registered warm source.
// ctx bounds the startup warming only; background loops run until Close.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.stop = cancel
	c.mu.Unlock()

	c.stopped.Add(1)
	go func() {
		defer c.stopped.Done()
		c.health.Run(bgCtx)
	}()

	if c.subscriber != nil {
		c.stopped.Add(1)
		go func() {
			defer c.stopped.Done()
			_ = c.subscriber.Run(bgCtx)
		}()
	}

	for entityType, src := range c.cfg.warmSources {
		c.warmFromSource(ctx, entityType, src, false)
	}
}

// Close stops the background loops and releases the in-process cache tier.
// It does not close the backend: the Coordinator did not open it.
func (c *Coordinator) Close() {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
		c.stopped.Wait()
	}
	c.loader.Close()
}

// Load runs the cache-aside read path for k.
func (c *Coordinator) Load(ctx context.Context, k key.Key, fetch loader.SourceFetch) ([]byte, error) {
	return c.loader.Load(ctx, k, fetch)
}

// Get loads the globally shared entry (entityType, identity).
func (c *Coordinator) Get(ctx context.Context, entityType, identity string, fetch loader.SourceFetch) ([]byte, error) {
	return c.loader.Load(ctx, key.New(entityType, identity), fetch)
}

// GetVariant loads a caller-specific derived entry, e.g. a per-user price.
func (c *Coordinator) GetVariant(ctx context.Context, entityType, identity, variant string, fetch loader.SourceFetch) ([]byte, error) {
	return c.loader.Load(ctx, key.NewVariant(entityType, identity, variant), fetch)
}

// Invalidate publishes an invalidation event for (entityType, identity).
// Call it after the source-of-record write has committed. Every subscribing
// service — including this one — evicts the key and its derived variants.
func (c *Coordinator) Invalidate(ctx context.Context, entityType, identity, reason string) error {
	return c.publisher.Publish(ctx, entityType, identity, reason)
}

// WarmNow runs an on-demand warm for entityType. When candidates is empty
// the registered warm source supplies them.
func (c *Coordinator) WarmNow(ctx context.Context, entityType string, candidates []string, forceRefresh bool) (warmer.Result, error) {
	src, ok := c.cfg.warmSources[entityType]
	if !ok {
		return warmer.Result{}, fmt.Errorf("hoard: no warm source registered for %q", entityType)
	}
	if len(candidates) == 0 {
		var err error
		candidates, err = src.Candidates(ctx)
		if err != nil {
			return warmer.Result{}, fmt.Errorf("hoard: warm candidates for %q: %w", entityType, err)
		}
	}
	var opts []warmer.RunOption
	if forceRefresh {
		opts = append(opts, warmer.ForceRefresh())
	}
	return c.warmer.Warm(ctx, entityType, candidates, src.Fetch, opts...)
}

// Flush removes every cached key of entityType and announces the flush so
// other services drop their copies too.
func (c *Coordinator) Flush(ctx context.Context, entityType string) (int, error) {
	n, err := c.loader.EvictType(ctx, entityType)
	if err != nil {
		return n, err
	}
	_ = c.publisher.Publish(ctx, entityType, "*", invalidation.ReasonFlush)
	return n, nil
}

// Health reports the backend availability verdict and when it was last
// confirmed.
func (c *Coordinator) Health() (health.State, time.Time) {
	return c.health.State(), c.health.LastChecked()
}

// warmFromSource runs one warm pass, absorbing failures: warming never
// blocks or fails startup.
func (c *Coordinator) warmFromSource(ctx context.Context, entityType string, src WarmSource, force bool) {
	candidates, err := src.Candidates(ctx)
	if err != nil {
		c.cfg.logger.Warn("warm candidate listing failed, skipping warm run",
			zap.String("entity_type", entityType), zap.Error(err))
		return
	}
	var opts []warmer.RunOption
	if force {
		opts = append(opts, warmer.ForceRefresh())
	}
	if _, err := c.warmer.Warm(ctx, entityType, candidates, src.Fetch, opts...); err != nil {
		c.cfg.logger.Warn("startup warm run failed",
			zap.String("entity_type", entityType), zap.Error(err))
	}
}

// AdminHandler returns the Coordinator as the hoard.Admin gRPC service
// implementation.
func (c *Coordinator) AdminHandler() admin.Handler {
	return (*adminFacade)(c)
}

// adminFacade adapts the Coordinator to admin.Handler without widening the
// Coordinator's own method set.
type adminFacade Coordinator

func (a *adminFacade) Warm(ctx context.Context, req *admin.WarmRequest) (*admin.WarmResponse, error) {
	res, err := (*Coordinator)(a).WarmNow(ctx, req.EntityType, req.Candidates, req.ForceRefresh)
	if err != nil {
		return nil, err
	}
	return &admin.WarmResponse{
		Warmed:  res.Warmed,
		Skipped: res.Skipped,
		Failed:  res.Failed,
		Dropped: res.Dropped,
	}, nil
}

func (a *adminFacade) Flush(ctx context.Context, req *admin.FlushRequest) (*admin.FlushResponse, error) {
	n, err := (*Coordinator)(a).Flush(ctx, req.EntityType)
	if err != nil {
		return nil, err
	}
	return &admin.FlushResponse{Deleted: n}, nil
}

func (a *adminFacade) Health(context.Context, *admin.HealthRequest) (*admin.HealthResponse, error) {
	state, lastChecked := (*Coordinator)(a).Health()
	return &admin.HealthResponse{
		BackendState:    state.String(),
		LastCheckedUnix: lastChecked.Unix(),
	}, nil
}
