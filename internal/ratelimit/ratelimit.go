// Package ratelimit paces outbound oracle calls. One Controller is
// shared by every worker in a run: it enforces a minimum spacing between
// consecutive calls and a shared backoff gate that grows when the oracle
// pushes back. Whether to retry is the caller's decision; this package
// only answers how long until the next call may be attempted.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"varanno/internal/oracle"
)

type Config struct {
	MinSpacing  time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

type Controller struct {
	limiter *rate.Limiter
	base    time.Duration
	max     time.Duration

	mu          sync.Mutex
	consecutive int
	backoff     time.Duration
	gateUntil   time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	log zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Controller {
	base := cfg.BaseBackoff
	if base <= 0 {
		base = time.Second
	}
	max := cfg.MaxBackoff
	if max < base {
		max = base
	}

	lim := rate.Inf
	if cfg.MinSpacing > 0 {
		lim = rate.Every(cfg.MinSpacing)
	}

	return &Controller{
		limiter: rate.NewLimiter(lim, 1),
		base:    base,
		max:     max,
		now:     time.Now,
		sleep:   sleepCtx,
		log:     log,
	}
}

// Acquire blocks until the shared schedule permits the next oracle call
// or ctx is done. The gate is re-checked after every wait because other
// workers may extend it while we sleep.
func (c *Controller) Acquire(ctx context.Context) error {
	for {
		c.mu.Lock()
		wait := c.gateUntil.Sub(c.now())
		c.mu.Unlock()
		if wait <= 0 {
			break
		}
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return c.limiter.Wait(ctx)
}

// ReportSuccess clears the failure streak and the backoff gate.
func (c *Controller) ReportSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutive = 0
	c.backoff = 0
	c.gateUntil = time.Time{}
}

// ReportFailure adjusts pacing after a failed call. Throttle responses
// double the backoff up to the ceiling; transient failures add one base
// delay without growing the streak multiplier; permanent failures say
// nothing about upstream health and change nothing.
func (c *Controller) ReportFailure(kind oracle.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch kind {
	case oracle.KindThrottled:
		c.consecutive++
		if c.backoff <= 0 {
			c.backoff = c.base
		} else if c.backoff < c.max {
			c.backoff *= 2
			if c.backoff > c.max {
				c.backoff = c.max
			}
		}
		c.extendGate(c.backoff)
		c.log.Warn().
			Dur("backoff", c.backoff).
			Int("consecutive_failures", c.consecutive).
			Msg("oracle throttled us, backing off")
	case oracle.KindTransient:
		c.consecutive++
		c.extendGate(c.base)
		c.log.Debug().
			Dur("delay", c.base).
			Int("consecutive_failures", c.consecutive).
			Msg("transient oracle failure, delaying next call")
	default:
	}
}

func (c *Controller) extendGate(d time.Duration) {
	until := c.now().Add(d)
	if until.After(c.gateUntil) {
		c.gateUntil = until
	}
}

// CurrentBackoff is the throttle backoff that the next throttle report
// would grow from; zero after a success.
func (c *Controller) CurrentBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff
}

// ConsecutiveFailures is the length of the current failure streak.
func (c *Controller) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutive
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
