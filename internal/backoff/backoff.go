package backoff

import (
	"sync"
	"time"
)

// Defaults of the loop failure policy.
const (
	DefaultBase      = 60 * time.Second
	DefaultStep      = 30 * time.Second
	DefaultMax       = 300 * time.Second
	DefaultThreshold = 10
)

// Controller counts consecutive loop failures of one bot instance.
type Controller struct {
	mu        sync.Mutex
	count     int
	base      time.Duration
	step      time.Duration
	max       time.Duration
	threshold int
}

// New returns a controller with the default policy: delay = min(60s + n*30s, 300s),
// terminate once n reaches 10.
func New() *Controller {
	return &Controller{base: DefaultBase, step: DefaultStep, max: DefaultMax, threshold: DefaultThreshold}
}

// WithThreshold overrides how many consecutive failures force a shutdown.
func (c *Controller) WithThreshold(n int) *Controller {
	if n > 0 {
		c.threshold = n
	}
	return c
}

// Failure records one failed tick. It returns the delay before the next tick,
// or terminate=true when the instance must stop instead.
func (c *Controller) Failure() (delay time.Duration, terminate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	if c.count >= c.threshold {
		return 0, true
	}
	delay = c.base + time.Duration(c.count)*c.step
	if delay > c.max {
		delay = c.max
	}
	return delay, false
}

// Success lowers the counter by one after a tick that processed a candidate.
func (c *Controller) Success() {
	c.mu.Lock()
	if c.count > 0 {
		c.count--
	}
	c.mu.Unlock()
}

// Reset zeroes the counter, used after a successful session refresh.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.count = 0
	c.mu.Unlock()
}

func (c *Controller) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}
