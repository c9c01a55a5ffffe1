// Package health tracks availability of the cache backend and drives the
// fallback decision.
//
// States:
//   - Up: backend calls flow normally; consecutive failures are counted.
//   - Down: the loader bypasses the backend entirely and serves from the
//     source of record; a background probe pings the backend until it
//     answers, which flips the state back to Up.
//
// The state is advisory, not a hard gate: a call that sneaks through just
// before a transition to Down simply fails on its own and reports that
// failure here.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the process-wide backend availability verdict.
type State int

const (
	Up State = iota
	Down
)

func (s State) String() string {
	if s == Up {
		return "up"
	}
	return "down"
}

// Pinger is the trivial backend operation used as the recovery probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the fallback thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive backend errors that
	// flips the state to Down.
	FailureThreshold int

	// ProbeInterval is how often the recovery probe runs while Down.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe attempt.
	ProbeTimeout time.Duration
}

// DefaultConfig returns the thresholds used when none are supplied.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ProbeInterval:    2 * time.Second,
		ProbeTimeout:     time.Second,
	}
}

// Controller is the fallback state machine. All methods are safe for
// concurrent use.
type Controller struct {
	cfg    Config
	pinger Pinger
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	failures    int // consecutive failures while Up
	lastChecked time.Time
	nowFunc     func() time.Time

	onTransition func(State)
}

// NewController creates a Controller in the Up state. logger may be nil.
func NewController(cfg Config, pinger Pinger, logger *zap.Logger) *Controller {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultConfig().ProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:     cfg,
		pinger:  pinger,
		logger:  logger,
		state:   Up,
		nowFunc: time.Now,
	}
}

// OnTransition registers a hook invoked (outside the lock) after every state
// change. Used to keep the health gauge current.
func (c *Controller) OnTransition(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTransition = fn
}

// State returns the current availability verdict.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastChecked returns when the state was last confirmed by a report or probe.
func (c *Controller) LastChecked() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastChecked
}

// ReportSuccess records a successful backend call.
func (c *Controller) ReportSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastChecked = c.nowFunc()
	if c.state == Up {
		c.failures = 0
	}
}

// ReportFailure records a failed backend call. Crossing the consecutive
// failure threshold flips the state to Down.
func (c *Controller) ReportFailure() {
	c.mu.Lock()
	c.lastChecked = c.nowFunc()
	var flipped bool
	if c.state == Up {
		c.failures++
		if c.failures >= c.cfg.FailureThreshold {
			c.state = Down
			c.failures = 0
			flipped = true
		}
	}
	hook := c.onTransition
	c.mu.Unlock()

	if flipped {
		c.logger.Warn("cache backend marked down, serving from source of record",
			zap.Int("failure_threshold", c.cfg.FailureThreshold))
		if hook != nil {
			hook(Down)
		}
	}
}

// Probe runs one recovery probe. It reports true when the probe succeeded;
// if the state was Down it flips back to Up.
func (c *Controller) Probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	err := c.pinger.Ping(pctx)
	cancel()

	c.mu.Lock()
	c.lastChecked = c.nowFunc()
	var recovered bool
	if err == nil && c.state == Down {
		c.state = Up
		c.failures = 0
		recovered = true
	}
	hook := c.onTransition
	c.mu.Unlock()

	if recovered {
		c.logger.Info("cache backend recovered, caching resumed")
		if hook != nil {
			hook(Up)
		}
	}
	return err == nil
}

// Run drives the background probe loop until ctx is done. Probes fire only
// while the state is Down; while Up, live traffic is the health signal.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() == Down {
				c.Probe(ctx)
			}
		}
	}
}
