//go:build linux

// Package aiocore is a portable asynchronous I/O core for device access:
// a reference-counted Context owning a wait-set dispatcher, a task queue,
// manual-reset Events, one-shot Timers, and the Transfer lifecycle state
// machine used by USB and serial backends.
package aiocore

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/deviceio/aiocore/internal/iface"
	"github.com/deviceio/aiocore/internal/logging"
)

// Context is the process-scoped, reference-counted root of this package. It
// owns the dispatcher state, the task FIFO (via the dispatcher), and, when
// created with InitWithWorker, a dedicated driver goroutine.
type Context struct {
	refcount atomic.Int64
	d        *dispatcher

	workerMu     sync.Mutex
	workerGroup  *errgroup.Group
	workerCancel context.CancelFunc

	Logger   iface.Logger
	Observer iface.Observer
}

// Init creates a Context with refcount 1 and no dedicated driver goroutine:
// callers must themselves drive the dispatcher (via a synchronous Wait* or
// by calling RunLoop) for anything asynchronous to complete.
//
// The returned Context logs through logging.Default() and reports no
// metrics (iface.NoOpObserver) until SetLogger/SetObserver replace them.
func Init() (*Context, error) {
	d, err := newDispatcher()
	if err != nil {
		return nil, wrapError("init", CodeNoMemory, err)
	}
	c := &Context{
		d:        d,
		Logger:   logging.Default(),
		Observer: iface.NoOpObserver{},
	}
	c.refcount.Store(1)
	return c, nil
}

// SetLogger replaces the Logger used for this Context's diagnostic output.
// Passing nil restores the package default logger.
func (c *Context) SetLogger(l iface.Logger) {
	if l == nil {
		l = logging.Default()
	}
	c.Logger = l
}

// SetObserver replaces the Observer notified of transfer lifecycle events.
// Passing nil restores the no-op Observer.
func (c *Context) SetObserver(o iface.Observer) {
	if o == nil {
		o = iface.NoOpObserver{}
	}
	c.Observer = o
}

// InitWithWorker creates a Context and immediately starts a dedicated
// goroutine driving the dispatch loop, so callers never need to drive it
// themselves (they just submit work and use the synchronous Wait* calls,
// which hand off to the worker's driver token the same way any other
// waiter would).
func InitWithWorker() (*Context, error) {
	c, err := Init()
	if err != nil {
		return nil, err
	}
	wctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(wctx)
	c.workerCancel = cancel
	c.workerGroup = g
	g.Go(func() error {
		return c.d.runUntil(gctx, -1)
	})
	return c, nil
}

// Ref increments the reference count. Pairs with Unref.
func (c *Context) Ref() {
	c.refcount.Add(1)
}

// Unref decrements the reference count. When it reaches zero, the Context
// tears itself down: the dedicated worker (if any) is stopped, the
// wait-set and task FIFO are asserted empty, and OS primitives are
// released. Returns true if this call performed the teardown.
func (c *Context) Unref() bool {
	if c.refcount.Add(-1) != 0 {
		return false
	}

	c.workerMu.Lock()
	if c.workerGroup != nil {
		c.d.stop()
		c.workerCancel()
		_ = c.workerGroup.Wait()
		c.workerGroup = nil
	}
	c.workerMu.Unlock()

	if !c.d.empty() {
		panic("aiocore: Context.Unref: wait-set or task FIFO non-empty at teardown")
	}
	_ = c.d.close()
	return true
}

// StopEventLoop asks a dedicated worker goroutine (started by
// InitWithWorker) to stop driving the dispatch loop without dropping the
// Context's last reference. This is part of the supported surface, not
// merely a debugging aid: a caller that wants to take over driving the
// loop itself (e.g. to pin it to a particular OS thread) calls this, then
// drives RunLoop directly.
func (c *Context) StopEventLoop() {
	c.workerMu.Lock()
	defer c.workerMu.Unlock()
	if c.workerGroup != nil {
		c.d.stop()
		c.workerCancel()
		_ = c.workerGroup.Wait()
		c.workerGroup = nil
	}
}

// RunLoop drives the dispatch loop on the calling goroutine until ctx is
// cancelled or StopEventLoop/Unref stops it. Most callers never need this —
// it exists for the caller that wants explicit control over which goroutine
// (and, via runtime.LockOSThread, which OS thread) drives the loop.
func (c *Context) RunLoop(ctx context.Context) error {
	return c.d.runUntil(ctx, -1)
}
