package aiocore

import (
	"context"

	"github.com/deviceio/aiocore/internal/waitpoller"
)

// WaitHandle is the exported handle for a dispatcher wait-set entry,
// letting backend adapters (a separate package) participate in the
// prepare/commit/remove reservation protocol without reaching into
// dispatcher internals.
type WaitHandle struct {
	e *waitEntry
}

// ReadEvents and WriteEvents are the readiness masks a backend passes to
// CommitWait.
const (
	ReadEvents  = waitpoller.EventRead
	WriteEvents = waitpoller.EventWrite
)

// PrepareWait reserves dispatcher capacity for one future CommitWait call:
// a backend reserves before issuing its OS primitive so a mid-flight
// failure never needs to unwind a half-registered entry.
func (c *Context) PrepareWait() {
	c.d.prepareAdd()
}

// CancelWait releases a reservation made by PrepareWait that was never
// committed (the backend's OS primitive failed after reserving).
func (c *Context) CancelWait() {
	c.d.cancelAdd()
}

// CommitWait registers fd with the dispatcher, consuming a reservation made
// by a prior PrepareWait. cb runs on the driving goroutine once fd becomes
// ready; the entry is then automatically dropped (one-shot).
func (c *Context) CommitWait(fd int, want waitpoller.Events, cb func(ctx context.Context, ev waitpoller.Events), userData interface{}) *WaitHandle {
	e := c.d.commitAdd(fd, want, cb, userData)
	return &WaitHandle{e: e}
}

// RemoveWait deregisters h, blocking until the driver confirms it no longer
// holds a reference to the entry.
func (c *Context) RemoveWait(h *WaitHandle) {
	if h == nil {
		return
	}
	c.d.remove(h.e)
}
