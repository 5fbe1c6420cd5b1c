package aiocore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deviceio/aiocore"
)

// TestSingleDriverAcrossConcurrentWaiters exercises "at most
// one thread blocked inside the OS wait primitive" property indirectly: N
// goroutines each wait on their own Event concurrently, one goroutine ends
// up driving the loop and the rest park for hand-off, and all of them
// observe their Set() within a bounded time — no goroutine is starved and
// none deadlocks against another's drive.
func TestSingleDriverAcrossConcurrentWaiters(t *testing.T) {
	ctx, err := aiocore.Init()
	require.NoError(t, err)
	defer ctx.Unref()

	const n = 8
	events := make([]*aiocore.Event, n)
	for i := range events {
		ev, err := ctx.CreateEvent()
		require.NoError(t, err)
		events[i] = ev
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = events[i].Wait(context.Background())
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	for _, ev := range events {
		ev.Set()
	}

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("not every waiter observed its event within 2s")
	}

	for i, err := range errs {
		assert.NoError(t, err, "waiter %d", i)
	}
	for _, ev := range events {
		require.NoError(t, ev.Destroy())
	}
}

// TestRunLoopStopsOnContextCancel exercises the caller-driven RunLoop path:
// cancelling ctx must make RunLoop return promptly instead of blocking in
// poll(2) forever.
func TestRunLoopStopsOnContextCancel(t *testing.T) {
	ctx, err := aiocore.Init()
	require.NoError(t, err)
	defer ctx.Unref()

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctx.RunLoop(runCtx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("RunLoop did not return after context cancellation")
	}
}
