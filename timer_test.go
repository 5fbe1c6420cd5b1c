package aiocore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deviceio/aiocore"
)

// TestTimerFiresThenCancelLoses is scenario 4, scaled down to
// keep the test fast: the deadline fires, and a cancel issued afterward is
// a no-op.
func TestTimerFiresThenCancelLoses(t *testing.T) {
	ctx, err := aiocore.InitWithWorker()
	require.NoError(t, err)
	defer ctx.Unref()

	timer, err := ctx.CreateTimer()
	require.NoError(t, err)

	results := make(chan aiocore.TimerResult, 2)
	require.NoError(t, timer.Set(30*time.Millisecond, func(_ context.Context, r aiocore.TimerResult, _ interface{}) {
		results <- r
	}, nil))

	select {
	case r := <-results:
		assert.Equal(t, aiocore.TimerCompleted, r)
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}

	timer.Cancel() // already fired: must be a no-op, no second callback

	select {
	case r := <-results:
		t.Fatalf("unexpected second callback: %v", r)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, timer.Destroy())
}

// TestTimerCancelThenFireLoses is scenario 5, scaled down: a
// cancel issued well before the deadline wins, and the deadline never
// delivers a second callback.
func TestTimerCancelThenFireLoses(t *testing.T) {
	ctx, err := aiocore.InitWithWorker()
	require.NoError(t, err)
	defer ctx.Unref()

	timer, err := ctx.CreateTimer()
	require.NoError(t, err)

	results := make(chan aiocore.TimerResult, 2)
	require.NoError(t, timer.Set(300*time.Millisecond, func(_ context.Context, r aiocore.TimerResult, _ interface{}) {
		results <- r
	}, nil))

	time.Sleep(10 * time.Millisecond)
	timer.Cancel()

	select {
	case r := <-results:
		assert.Equal(t, aiocore.TimerCancelled, r)
	case <-time.After(time.Second):
		t.Fatal("timer never delivered cancelled")
	}

	select {
	case r := <-results:
		t.Fatalf("deadline fired a second callback: %v", r)
	case <-time.After(400 * time.Millisecond):
	}

	require.NoError(t, timer.Destroy())
}

// TestTimerCanBeReSetAfterDelivery exercises the idle -> armed ->
// (fired|cancelled) -> idle cycle: once a timer has delivered a result it
// may be Set again.
func TestTimerCanBeReSetAfterDelivery(t *testing.T) {
	ctx, err := aiocore.InitWithWorker()
	require.NoError(t, err)
	defer ctx.Unref()

	timer, err := ctx.CreateTimer()
	require.NoError(t, err)

	first := make(chan aiocore.TimerResult, 1)
	require.NoError(t, timer.Set(10*time.Millisecond, func(_ context.Context, r aiocore.TimerResult, _ interface{}) {
		first <- r
	}, nil))
	require.Equal(t, aiocore.TimerCompleted, <-first)

	second := make(chan aiocore.TimerResult, 1)
	require.NoError(t, timer.Set(10*time.Millisecond, func(_ context.Context, r aiocore.TimerResult, _ interface{}) {
		second <- r
	}, nil))
	require.Equal(t, aiocore.TimerCompleted, <-second)

	require.NoError(t, timer.Destroy())
}

// TestTimerSetWhileArmedIsBusy enforces "at most one in-flight arm" per
// Timer.
func TestTimerSetWhileArmedIsBusy(t *testing.T) {
	ctx, err := aiocore.InitWithWorker()
	require.NoError(t, err)
	defer ctx.Unref()

	timer, err := ctx.CreateTimer()
	require.NoError(t, err)

	cancelled := make(chan struct{})
	require.NoError(t, timer.Set(time.Hour, func(_ context.Context, r aiocore.TimerResult, _ interface{}) {
		if r == aiocore.TimerCancelled {
			close(cancelled)
		}
	}, nil))
	err = timer.Set(time.Hour, func(context.Context, aiocore.TimerResult, interface{}) {}, nil)
	require.Error(t, err)
	assert.True(t, aiocore.IsCode(err, aiocore.CodeBusy))

	timer.Cancel()
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("cancellation never delivered")
	}
	require.NoError(t, timer.Destroy())
}
