package process

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// restartDelay is the pause before a panicked worker is restarted (spec
// §5/§9: "a panic in a worker is caught, logged, and the worker is
// restarted after a 2.5 s delay"). A var, not a const, so tests can shrink
// it rather than waiting out the real delay.
var restartDelay = 2500 * time.Millisecond

// Supervise runs fn in its own goroutine under c, registering it with
// ComponentStarted/ComponentFinished. If fn panics, the panic is caught,
// logged, and fn is restarted after restartDelay, until c's context is
// cancelled. fn must itself return promptly when its context argument is
// cancelled.
func (c *Context) Supervise(name string, fn func(ctx context.Context)) {
	c.ComponentStarted()
	go func() {
		defer c.ComponentFinished()
		for {
			if c.runOnce(name, fn) {
				return
			}
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(restartDelay):
			}
		}
	}()
}

// runOnce runs fn to completion, recovering a panic if one occurs.
// Returns true if the worker should not be restarted, which is whenever
// the process is shutting down by the time fn returns or panics.
func (c *Context) runOnce(name string, fn func(ctx context.Context)) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("worker", name).WithField("panic", r).Error("worker panicked, restarting")
			done = c.IsShuttingDown()
		}
	}()
	fn(c.ctx)
	return c.IsShuttingDown()
}
