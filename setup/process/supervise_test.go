package process

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSuperviseRestartsAfterPanic(t *testing.T) {
	original := restartDelay
	restartDelay = time.Millisecond
	defer func() { restartDelay = original }()

	c := NewProcessContext()
	var calls int32

	c.Supervise("flaky", func(ctx context.Context) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			panic("boom")
		}
		<-ctx.Done()
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 2
	}, time.Second, 5*time.Millisecond)

	c.ShutdownDendrite()
	require.Eventually(t, func() bool {
		c.WaitForShutdown()
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestSuperviseStopsOnShutdownWithoutRestart(t *testing.T) {
	c := NewProcessContext()
	var calls int32

	c.Supervise("well-behaved", func(ctx context.Context) {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 1
	}, time.Second, 5*time.Millisecond)

	c.ShutdownDendrite()
	c.WaitForShutdown()
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
