//go:build linux

package aiocore

import "context"

// Task is a unit of deferred work submitted from any goroutine and run on
// whichever goroutine currently drives the dispatch loop.
// Task callbacks must not assume anything about the calling goroutine.
type Task struct {
	ctx      *Context
	cb       func(ctx context.Context, data interface{})
	data     interface{}
	canceled bool
}

// PrepareTask allocates a Task bound to c but does not submit it. Matches
// the prepare/submit split
// before committing to run it.
func (c *Context) PrepareTask() *Task {
	return &Task{ctx: c}
}

// Submit enqueues t to run cb(data) on the dispatching goroutine, FIFO
// relative to every other task submitted on the same Context.
func (t *Task) Submit(cb func(ctx context.Context, data interface{}), data interface{}) {
	t.cb = cb
	t.data = data
	t.ctx.d.runTask(func(ctx context.Context) {
		if t.canceled {
			return
		}
		t.cb(ctx, t.data)
	})
}

// Cancel prevents an unsubmitted (or already-submitted-but-not-yet-run)
// task's callback from running. A task whose callback has already started
// is unaffected.
func (t *Task) Cancel() {
	t.canceled = true
}

// SubmitTaskDirect combines PrepareTask+Submit for the common case where
// the caller has no use for the intermediate Task handle.
func (c *Context) SubmitTaskDirect(cb func(ctx context.Context, data interface{}), data interface{}) *Task {
	t := c.PrepareTask()
	t.Submit(cb, data)
	return t
}
