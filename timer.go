//go:build linux

package aiocore

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// TimerResult is delivered to a Timer's callback: exactly one of Completed
// or Cancelled occurs per Set call.
type TimerResult int

const (
	TimerCompleted TimerResult = iota
	TimerCancelled
)

// Timer is the one-shot deadline primitive:
// idle -> armed -> (fired|cancelled) -> idle.
type Timer struct {
	ctx *Context

	mu       sync.Mutex
	active   bool
	deadline *waitEntry
	cancelFD int
	cancel   *waitEntry
	cb       func(context.Context, TimerResult, interface{})
	data     interface{}
}

// CreateTimer allocates an idle Timer on c.
func (c *Context) CreateTimer() (*Timer, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, wrapError("create_timer", CodeNoMemory, err)
	}
	return &Timer{ctx: c, cancelFD: fd}, nil
}

// Set arms the timer for timeout and registers its two wait-set entries:
// one for the deadline, one for the cancel signal. cb is invoked with
// exactly one TimerResult once either fires, on the driver-marked context
// the firing wait-set entry received (the same ctx a nested Wait call
// checks via onDriverGoroutine to avoid re-acquiring the loop token it
// already holds).
func (t *Timer) Set(timeout time.Duration, cb func(context.Context, TimerResult, interface{}), data interface{}) error {
	t.mu.Lock()
	if t.active {
		t.mu.Unlock()
		return newError("set_timer", CodeBusy, "timer already armed")
	}

	deadlineFD, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		t.mu.Unlock()
		return wrapError("set_timer", CodeNoMemory, err)
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(timeout.Nanoseconds()),
	}
	if spec.Value.Sec == 0 && spec.Value.Nsec == 0 {
		// A zero timeout must still fire; round up to 1ns so
		// TimerfdSettime doesn't interpret it as "disarm".
		spec.Value.Nsec = 1
	}
	if err := unix.TimerfdSettime(deadlineFD, 0, &spec, nil); err != nil {
		unix.Close(deadlineFD)
		t.mu.Unlock()
		return wrapError("set_timer", CodeIO, err)
	}

	// Clear any cancel signal left over from an earlier Set (a Cancel that
	// won, or one that raced a deadline) so it cannot cancel this one.
	var drain [8]byte
	_, _ = unix.Read(t.cancelFD, drain[:])

	t.active = true
	t.cb = cb
	t.data = data
	t.mu.Unlock()

	t.ctx.d.prepareAdd()
	t.ctx.d.prepareAdd()
	t.deadline = t.ctx.d.commitAdd(deadlineFD, evRead, func(ictx context.Context, _ pollEvents) {
		t.fire(ictx, TimerCompleted, deadlineFD)
	}, nil)
	t.cancel = t.ctx.d.commitAdd(t.cancelFD, evRead, func(ictx context.Context, _ pollEvents) {
		t.fire(ictx, TimerCancelled, t.cancelFD)
	}, nil)
	return nil
}

// fire is the shared body for both the deadline and cancel callbacks: it
// enforces that exactly one of {completed, cancelled} is ever delivered
// per Set.
func (t *Timer) fire(ictx context.Context, result TimerResult, firedFD int) {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	cb, data := t.cb, t.data
	deadlineFD := t.deadline.fd
	fromDeadline := firedFD == deadlineFD
	other := t.cancel
	if !fromDeadline {
		other = t.deadline
	}
	t.mu.Unlock()

	// The entry that fired was already dropped by the dispatcher as part of
	// its normal one-shot consumption; only the loser needs removing so its
	// fd stops being polled. fire runs as a wait-set callback on the driver
	// goroutine, which holds no view of the wait-set while a callback runs,
	// so the loser is dropped directly instead of through the blocking
	// remove().
	if onDriverGoroutine(ictx) {
		t.ctx.d.mu.Lock()
		t.ctx.d.dropEntryLocked(other)
		t.ctx.d.mu.Unlock()
	} else {
		t.ctx.d.remove(other)
	}
	// The deadline fd is single-use (created fresh per Set); close it
	// regardless of which side fired. cancelFD is reused across Set calls
	// and is only released by Destroy.
	unix.Close(deadlineFD)
	cb(ictx, result, data)
}

// Cancel requests delivery of TimerCancelled. A no-op if the timer already
// fired or was never armed — idempotent
func (t *Timer) Cancel() {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	var one [8]byte
	one[7] = 1
	_, _ = unix.Write(t.cancelFD, one[:])
}

// Destroy releases the timer's OS primitives. The caller must ensure the
// timer is not armed.
func (t *Timer) Destroy() error {
	t.mu.Lock()
	active := t.active
	t.mu.Unlock()
	if active {
		return newError("destroy_timer", CodeBusy, "timer still armed")
	}
	return unix.Close(t.cancelFD)
}
