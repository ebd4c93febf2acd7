// Package process implements C13's shutdown half: a shared
// context.Context plus sync.WaitGroup that every long-running worker
// registers with, so the homeserver can ask every component to stop and
// wait for them to actually finish before the process exits (spec §5's
// broadcast-channel cancellation model, §9's "Service registry &
// lifecycle").
package process

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Context is shared across every component started by the service
// registry. Components derive their own context from Context() and
// register their goroutines with ComponentStarted/ComponentFinished so
// WaitForShutdown can block until the whole process has actually wound
// down, not just signalled it should.
type Context struct {
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	shutdownMu sync.Once
}

// NewProcessContext constructs a Context ready for use.
func NewProcessContext() *Context {
	ctx, cancel := context.WithCancel(context.Background())
	return &Context{ctx: ctx, cancel: cancel}
}

// Context returns the context components should derive their own
// cancellation from.
func (c *Context) Context() context.Context {
	return c.ctx
}

// ComponentStarted registers one more in-flight goroutine. Call before
// starting the goroutine, and ComponentFinished when it returns.
func (c *Context) ComponentStarted() {
	c.wg.Add(1)
}

// ComponentFinished marks one previously-registered goroutine as done.
func (c *Context) ComponentFinished() {
	c.wg.Done()
}

// ShutdownDendrite cancels Context() for every component and returns
// without waiting; WaitForShutdown is what blocks until ComponentFinished
// has been called for every ComponentStarted.
func (c *Context) ShutdownDendrite() {
	c.shutdownMu.Do(func() {
		logrus.Info("Shutdown signalled")
		c.cancel()
	})
}

// WaitForShutdown blocks until every registered component has called
// ComponentFinished.
func (c *Context) WaitForShutdown() {
	c.wg.Wait()
}

// IsShuttingDown reports whether ShutdownDendrite has been called.
func (c *Context) IsShuttingDown() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}
