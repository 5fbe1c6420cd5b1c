//go:build linux

package aiocore

import (
	"context"
	"sync"

	"golang.org/x/sys/unix"
)

// Event is the manual-reset boolean
// eventfd: its counter is 0 while reset and nonzero while set, so the fd is
// level-triggered readable for exactly as long as the event is set —
// giving every concurrent Wait() the same "stays set until Reset()"
// semantics without racing to drain a shared byte.
type Event struct {
	ctx *Context
	mu  sync.Mutex
	fd  int
	set bool
}

// CreateEvent allocates a new, initially-reset Event on c.
func (c *Context) CreateEvent() (*Event, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, wrapError("create_event", CodeNoMemory, err)
	}
	return &Event{ctx: c, fd: fd}, nil
}

// Set puts the event into the signalled state. Idempotent: setting an
// already-set event is a no-op. Safe to call from any goroutine, including
// from inside a dispatcher callback.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		return
	}
	var one [8]byte
	one[7] = 1
	_, _ = unix.Write(e.fd, one[:])
	e.set = true
}

// Reset clears the event. Idempotent.
func (e *Event) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		return
	}
	var buf [8]byte
	_, _ = unix.Read(e.fd, buf[:])
	e.set = false
}

// Wait blocks until the event is set, driving the dispatch loop itself (if
// no other thread currently drives it) or parking for hand-off otherwise.
func (e *Event) Wait(ctx context.Context) error {
	e.mu.Lock()
	already := e.set
	e.mu.Unlock()
	if already {
		return nil
	}
	return e.ctx.d.runUntil(ctx, e.fd)
}

// Destroy releases the event's OS primitive. The caller must ensure no
// Wait is in flight.
func (e *Event) Destroy() error {
	return unix.Close(e.fd)
}
