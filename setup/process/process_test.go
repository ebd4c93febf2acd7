package process

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShutdownCancelsContext(t *testing.T) {
	c := NewProcessContext()
	require.False(t, c.IsShuttingDown())

	c.ShutdownDendrite()
	require.True(t, c.IsShuttingDown())

	select {
	case <-c.Context().Done():
	default:
		t.Fatal("Context() should be cancelled after ShutdownDendrite")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	c := NewProcessContext()
	c.ShutdownDendrite()
	require.NotPanics(t, func() {
		c.ShutdownDendrite()
		c.ShutdownDendrite()
	})
}

func TestWaitForShutdownBlocksUntilComponentsFinish(t *testing.T) {
	c := NewProcessContext()
	c.ComponentStarted()

	done := make(chan struct{})
	go func() {
		c.WaitForShutdown()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitForShutdown returned before ComponentFinished was called")
	case <-time.After(20 * time.Millisecond):
	}

	c.ComponentFinished()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForShutdown did not return after ComponentFinished")
	}
}
