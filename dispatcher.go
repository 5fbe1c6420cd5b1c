//go:build linux

package aiocore

import (
	"context"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/deviceio/aiocore/internal/waitpoller"
)

// pollEvents mirrors waitpoller.Events; re-exported under the dispatcher's
// own name so callers outside internal/waitpoller don't need to import it.
type pollEvents = waitpoller.Events

const (
	evRead  = waitpoller.EventRead
	evWrite = waitpoller.EventWrite
)

// driverKey is the context.Context key used to mark "this goroutine is
// already the loop driver". Checked by wait-for-completion callers so a
// callback that itself needs to wait can skip token acquisition and drive
// an inner dispatch step directly, instead of deadlocking against itself
// the way a naive re-acquire would.
type driverKeyType struct{}

var driverKey = driverKeyType{}

func withDriver(ctx context.Context) context.Context {
	return context.WithValue(ctx, driverKey, true)
}

func onDriverGoroutine(ctx context.Context) bool {
	v, _ := ctx.Value(driverKey).(bool)
	return v
}

// waitEntry is one registered (wait_object, callback) pair. Consumed
// one-shot: once its callback runs, it is dropped from the list.
type waitEntry struct {
	fd       int
	want     pollEvents
	cb       func(ctx context.Context, ev pollEvents)
	userData interface{}

	marked  bool // requested for removal, not yet dropped by the driver
	dropped bool // actually dropped from d.entries; removal() may return
}

// dispatcher is the wait-set + loop-token core: one dispatcher per Context.
type dispatcher struct {
	mu sync.Mutex

	driverCond *sync.Cond // broadcast whenever loopDriverPresent becomes false
	removeCond *sync.Cond // broadcast whenever a marked entry is dropped

	loopDriverPresent bool
	stopRequested     bool

	entries  []*waitEntry
	reserved int

	tasks []taskFunc

	poller *waitpoller.Poller
}

type taskFunc func(ctx context.Context)

func newDispatcher() (*dispatcher, error) {
	p, err := waitpoller.New()
	if err != nil {
		return nil, err
	}
	d := &dispatcher{poller: p}
	d.driverCond = sync.NewCond(&d.mu)
	d.removeCond = sync.NewCond(&d.mu)
	return d, nil
}

func (d *dispatcher) close() error {
	return d.poller.Close()
}

// empty reports whether the wait-set and task FIFO are both empty, the
// precondition Context.Unref asserts before tearing down.
func (d *dispatcher) empty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries) == 0 && d.reserved == 0 && len(d.tasks) == 0
}

// wake pokes the control pipe so any driver re-reads the wait-set or task
// FIFO on its next iteration.
func (d *dispatcher) wake() {
	_ = d.poller.Wake(waitpoller.WakeUpdated)
}

// stop asks whichever thread currently drives the loop to exit it. Safe to
// call whether or not a driver is currently present.
func (d *dispatcher) stop() {
	d.mu.Lock()
	d.stopRequested = true
	d.mu.Unlock()
	_ = d.poller.Wake(waitpoller.WakeStop)
}

// prepareAdd reserves capacity for one future commitAdd: a backend reserves
// before issuing its OS primitive so a failure between "ioctl issued" and
// "callback registered" never needs to unwind a half-registered entry.
func (d *dispatcher) prepareAdd() {
	d.mu.Lock()
	d.reserved++
	d.mu.Unlock()
}

// cancelAdd releases a reservation that was never committed (the OS
// primitive failed after prepareAdd but before commitAdd).
func (d *dispatcher) cancelAdd() {
	d.mu.Lock()
	d.reserved--
	d.mu.Unlock()
}

// commitAdd registers the entry, consuming one reservation made by a prior
// prepareAdd. Wakes any current driver so it re-reads the wait-set.
func (d *dispatcher) commitAdd(fd int, want pollEvents, cb func(context.Context, pollEvents), userData interface{}) *waitEntry {
	e := &waitEntry{fd: fd, want: want, cb: cb, userData: userData}
	d.mu.Lock()
	d.reserved--
	d.entries = append(d.entries, e)
	d.mu.Unlock()
	d.wake()
	return e
}

// remove deregisters e, blocking until the driver has rebuilt its local
// view without it — eliminating use-after-free in a callback racing with
// removal. When no driver is present, nothing holds such a view, so e is
// dropped here directly. Must not be called from a callback on the driver
// goroutine itself: that goroutine is the one remove would wait for.
func (d *dispatcher) remove(e *waitEntry) {
	d.mu.Lock()
	if e.dropped {
		d.mu.Unlock()
		return
	}
	e.marked = true
	d.mu.Unlock()
	d.wake()

	d.mu.Lock()
	for !e.dropped {
		if !d.loopDriverPresent {
			d.dropMarkedLocked()
			d.removeCond.Broadcast()
			break
		}
		d.removeCond.Wait()
	}
	d.mu.Unlock()
}

// tryAcquireDriver tries to become the loop driver without blocking. It
// returns true if the caller now holds the token, false if another driver
// already holds it (the caller decides whether to park and retry).
func (d *dispatcher) tryAcquireDriver() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loopDriverPresent {
		return false
	}
	d.loopDriverPresent = true
	return true
}

func (d *dispatcher) releaseDriver() {
	d.mu.Lock()
	d.loopDriverPresent = false
	d.driverCond.Broadcast()
	// A remove() that marked its entry while this driver was still present
	// rechecks now that no driver holds the token.
	d.removeCond.Broadcast()
	d.mu.Unlock()
}

// waitForDriverRelease parks until the current driver releases the token,
// without itself becoming the driver.
func (d *dispatcher) waitForDriverRelease() {
	d.mu.Lock()
	for d.loopDriverPresent {
		d.driverCond.Wait()
	}
	d.mu.Unlock()
}

// runTask submits a task to run on whichever thread next drives the loop
// (task.go's public surface wraps this).
func (d *dispatcher) runTask(fn taskFunc) {
	d.mu.Lock()
	d.tasks = append(d.tasks, fn)
	d.mu.Unlock()
	d.wake()
}

func (d *dispatcher) drainTasks() []taskFunc {
	d.mu.Lock()
	pending := d.tasks
	d.tasks = nil
	d.mu.Unlock()
	return pending
}

// driveOnce runs exactly one dispatch-loop iteration as the current driver.
// targetFD == -1 means "no specific target" (the free-running worker
// loop); otherwise it is the wait object a synchronous waiter cares about.
//
// Returns (satisfied, stop, err): satisfied is true once targetFD fired; it
// is always false when targetFD == -1, so the caller keeps looping; stop is
// true if the loop was asked to stop.
func (d *dispatcher) driveOnce(ctx context.Context, targetFD int) (satisfied bool, stop bool, err error) {
	ictx := withDriver(ctx)

	// Step 1: drain and run the task FIFO outside the lock — tasks may
	// themselves submit more work or touch per-transfer state.
	for _, fn := range d.drainTasks() {
		fn(ictx)
	}

	d.mu.Lock()
	// Drop any entries marked for removal since the last iteration and
	// wake their waiters — done before rebuilding the vector so a pending
	// remove() never observes a stale view.
	if d.dropMarkedLocked() {
		d.removeCond.Broadcast()
	}

	if d.stopRequested {
		d.stopRequested = false
		d.mu.Unlock()
		return false, true, nil
	}

	// Step 2: rebuild the wait vector. Slot 0 (if targetFD >= 0) is the
	// caller's target; slot 1 is the control pipe; the remainder is every
	// registered entry whose fd differs from the target, to avoid
	// double-arming it.
	type slot struct {
		entry *waitEntry // nil for target/control slots
	}
	var pfds []unix.PollFd
	var slots []slot
	hasTarget := targetFD >= 0
	if hasTarget {
		pfds = append(pfds, unix.PollFd{Fd: int32(targetFD), Events: int16(evRead)})
		slots = append(slots, slot{})
	}
	pfds = append(pfds, unix.PollFd{Fd: int32(d.poller.ControlFD()), Events: int16(evRead)})
	slots = append(slots, slot{})

	originalEntryCount := len(d.entries)
	viableEntryCount := 0
	for _, e := range d.entries {
		if hasTarget && e.fd == targetFD {
			continue // filtered: would double-arm the target
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(e.fd), Events: int16(e.want)})
		slots = append(slots, slot{entry: e})
		viableEntryCount++
	}
	d.mu.Unlock()

	// Step 3/4: block on the wait vector.
	if perr := waitpoller.Poll(pfds, -1); perr != nil {
		return false, false, perr
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Control pipe: drain, and if a removal raced with this poll, discard
	// this iteration's selection — the index may now refer to a different
	// entry.
	ctrlIdx := 0
	if hasTarget {
		ctrlIdx = 1
	}
	removalRaced := false
	if pfds[ctrlIdx].Revents != 0 {
		cmds, _ := d.poller.Drain()
		for _, c := range cmds {
			if c == waitpoller.WakeStop {
				d.stopRequested = true
			}
		}
		removalRaced = d.dropMarkedLocked()
		if removalRaced {
			d.removeCond.Broadcast()
		}
	}

	if hasTarget && pfds[0].Revents != 0 {
		if viableEntryCount == originalEntryCount {
			// No entry shared the target's fd: plain success, nothing to
			// consume.
			return true, false, nil
		}
		// One of the filtered-out duplicates of the target is the entry
		// that actually fired. Find and consume it.
		for _, e := range d.entries {
			if e.fd == targetFD && !e.marked {
				d.dropEntryLocked(e)
				d.mu.Unlock()
				e.cb(ictx, evRead)
				d.mu.Lock()
				break
			}
		}
		return true, false, nil
	}

	if removalRaced {
		return false, false, nil
	}

	// Scan the remainder for the first ready entry.
	for i := ctrlIdx + 1; i < len(pfds); i++ {
		if pfds[i].Revents == 0 {
			continue
		}
		e := slots[i].entry
		if e == nil || e.marked {
			continue
		}
		ev := pollEvents(pfds[i].Revents)
		d.dropEntryLocked(e)
		d.mu.Unlock()
		e.cb(ictx, ev)
		d.mu.Lock()
		break
	}

	return false, false, nil
}

// dropMarkedLocked removes every entry marked for removal from d.entries
// and flags them dropped. Must be called with d.mu held. Returns true if
// anything was dropped.
func (d *dispatcher) dropMarkedLocked() bool {
	if len(d.entries) == 0 {
		return false
	}
	any := false
	kept := d.entries[:0]
	for _, e := range d.entries {
		if e.marked {
			e.dropped = true
			any = true
			continue
		}
		kept = append(kept, e)
	}
	d.entries = kept
	return any
}

// dropEntryLocked removes a single entry that fired (the one-shot "consumed
// on readiness" case, distinct from an explicit remove() request).
func (d *dispatcher) dropEntryLocked(target *waitEntry) {
	for i, e := range d.entries {
		if e == target {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			target.dropped = true
			return
		}
	}
}

// runUntil drives the dispatch loop, becoming the driver if free or parking
// for hand-off otherwise, until targetFD fires or ctx is cancelled.
// targetFD == -1 drives forever (the dedicated worker goroutine use case)
// until Stop is called.
func (d *dispatcher) runUntil(ctx context.Context, targetFD int) error {
	// A blocking poll(2) call knows nothing about ctx; wake it the moment
	// ctx is cancelled so a waiter actually observes the cancellation
	// instead of sitting in the OS wait primitive until something else
	// pokes the control pipe.
	if done := ctx.Done(); done != nil {
		stopWatch := make(chan struct{})
		defer close(stopWatch)
		go func() {
			select {
			case <-done:
				d.wake()
			case <-stopWatch:
			}
		}()
	}

	if onDriverGoroutine(ctx) {
		// Re-entrant: a callback on the driver goroutine is itself
		// waiting. Skip token acquisition entirely and run inner steps
		// directly on this same goroutine.
		for {
			satisfied, stop, err := d.driveOnce(ctx, targetFD)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
			if satisfied {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
	}

	for {
		if !d.tryAcquireDriver() {
			if targetFD < 0 {
				// No target of our own to hand off on (a nested call
				// with nothing to wait for specifically) — fall back to
				// waiting for the current driver to release normally.
				d.waitForDriverRelease()
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				continue
			}

			// Someone else already holds the token — possibly a
			// dedicated InitWithWorker goroutine that never releases it
			// during normal operation. Register our target as a genuine
			// wait-set entry instead of just parking for a release that
			// may never come: commitAdd wakes whoever is currently
			// driving so its next entry scan picks our fd up, exactly
			// like any other asynchronous completion.
			done := make(chan struct{})
			var fireOnce sync.Once
			d.prepareAdd()
			entry := d.commitAdd(targetFD, evRead, func(context.Context, pollEvents) {
				fireOnce.Do(func() { close(done) })
			}, nil)

			released := make(chan struct{})
			go func() {
				d.waitForDriverRelease()
				close(released)
			}()

			select {
			case <-done:
				return nil
			case <-released:
				// The driver released before our entry fired (or raced
				// with it); remove defensively — a no-op if it already
				// fired — and retry acquisition from scratch.
				d.remove(entry)
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				continue
			case <-ctx.Done():
				d.remove(entry)
				return ctx.Err()
			}
		}

		satisfied, stop, err := func() (bool, bool, error) {
			defer d.releaseDriver()
			for {
				s, st, e := d.driveOnce(ctx, targetFD)
				if e != nil || st || s {
					return s, st, e
				}
				select {
				case <-ctx.Done():
					return false, false, ctx.Err()
				default:
				}
			}
		}()
		if err != nil {
			return err
		}
		if stop || satisfied {
			return nil
		}
	}
}
