package aiocore

import (
	"context"
	"sync"
	"time"
)

// Status is the outcome of a completed or cancelled Transfer. Meaningful only after the completion event has been signalled.
type Status int

const (
	StatusCompleted Status = iota
	StatusCancelled
	StatusError
	StatusStall
	StatusNoDevice
	StatusTimeout
	StatusOverflow
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusError:
		return "error"
	case StatusStall:
		return "stall"
	case StatusNoDevice:
		return "no_device"
	case StatusTimeout:
		return "timeout"
	case StatusOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

func (k TransferKind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindIsochronous:
		return "isochronous"
	case KindBulk:
		return "bulk"
	case KindInterrupt:
		return "interrupt"
	case KindSerialRead:
		return "serial_read"
	case KindSerialWrite:
		return "serial_write"
	default:
		return "unknown"
	}
}

// TransferFlags holds per-transfer behavior flags.
type TransferFlags uint8

const (
	// FlagResubmit marks a transfer for automatic re-arming after each
	// completion (the serial "continuous read" use case).
	FlagResubmit TransferFlags = 1 << iota
)

// TransferCallback receives the completed Transfer, along with the
// context.Context the dispatch loop's current driver is running under
// (the same ctx a nested Wait call checks via onDriverGoroutine to avoid
// re-acquiring the loop token it already holds). It runs on whichever
// goroutine is currently driving the dispatch loop and must not block on
// anything other than this same Transfer's re-submission.
type TransferCallback func(ctx context.Context, tr *Transfer)

// Transfer is one asynchronous device I/O operation: submit -> (reaped by
// the dispatcher) -> callback -> optional resubmit -> completed. Allocated
// with AllocTransfer, released with Free once
// not submitted.
type Transfer struct {
	ctx     *Context
	handle  *DeviceHandle
	backend Backend

	Direction Direction
	Kind      TransferKind
	Endpoint  Endpoint
	Buffer    []byte
	Timeout   time.Duration

	userCallback TransferCallback

	mu           sync.Mutex
	submitted    bool
	Flags        TransferFlags
	Status       Status
	ActualLength int
	userData     interface{}
	completion   *Event
	submitTime   time.Time

	// BackendState is opaque per-backend in-flight bookkeeping (a URB
	// buffer, a wait handle, an overlapped-equivalent record) stashed by
	// Backend.Submit and consumed by Backend.Cancel or by Reap's caller.
	// The core never inspects it.
	BackendState interface{}
}

// AllocTransfer allocates an idle Transfer bound to handle, to be driven
// through backend. cb is invoked once per completed submission cycle.
func AllocTransfer(ctx *Context, handle *DeviceHandle, backend Backend, cb TransferCallback) (*Transfer, error) {
	ev, err := ctx.CreateEvent()
	if err != nil {
		return nil, wrapError("alloc_transfer", CodeNoMemory, err)
	}
	return &Transfer{
		ctx:          ctx,
		handle:       handle,
		backend:      backend,
		userCallback: cb,
		completion:   ev,
	}, nil
}

// Free releases tr's completion event. The caller must ensure tr is not
// currently submitted.
func (tr *Transfer) Free() error {
	tr.mu.Lock()
	submitted := tr.submitted
	tr.mu.Unlock()
	if submitted {
		return newError("free_transfer", CodeBusy, "transfer still submitted")
	}
	return tr.completion.Destroy()
}

// SetUserData attaches an opaque payload to tr, retrievable from the
// completion callback via GetUserData.
func (tr *Transfer) SetUserData(data interface{}) {
	tr.mu.Lock()
	tr.userData = data
	tr.mu.Unlock()
}

// GetUserData returns the payload set by SetUserData.
func (tr *Transfer) GetUserData() interface{} {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.userData
}

// Context returns the Context tr was allocated on, so a backend adapter
// (a separate package) can schedule reap work on the same dispatcher.
func (tr *Transfer) Context() *Context {
	return tr.ctx
}

// Handle returns the DeviceHandle tr was allocated against, so a backend
// adapter can look up its own per-handle state from inside Submit/Cancel.
func (tr *Transfer) Handle() *DeviceHandle {
	return tr.handle
}

// GetActualLength returns the number of bytes the last completed submission
// cycle transferred. Meaningful only when Status == StatusCompleted.
func (tr *Transfer) GetActualLength() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.ActualLength
}

// Submit validates a control transfer's setup prefix, marks tr submitted,
// and hands it to the backend, which issues the OS primitive and registers
// its completion with the dispatcher (validating tr's Kind for itself). If
// the backend fails, tr is marked not submitted again. Submit never invokes
// the completion callback itself: even an OS primitive that completes
// synchronously is still reaped through the dispatcher, so completion
// ordering stays observable.
func (tr *Transfer) Submit() error {
	if tr.Kind == KindControl {
		if _, err := ParseSetupPacket(tr.Buffer); err != nil {
			return err
		}
	}

	tr.mu.Lock()
	if tr.submitted {
		tr.mu.Unlock()
		return newError("submit_transfer", CodeBusy, "transfer already submitted")
	}
	tr.completion.Reset()
	// Marked before the backend runs: a driver goroutine may reap the
	// transfer before backend.Submit returns.
	tr.submitted = true
	tr.submitTime = time.Now()
	tr.mu.Unlock()

	if err := tr.backend.Submit(tr.ctx, tr); err != nil {
		tr.mu.Lock()
		tr.submitted = false
		tr.mu.Unlock()
		tr.ctx.Logger.Errorf("aiocore: submit %s transfer failed: %v", tr.Kind, err)
		return err
	}

	tr.ctx.Observer.ObserveSubmit(tr.Kind.String())
	return nil
}

// Cancel requests cooperative cancellation of tr's in-flight submission.
// Idempotent and non-blocking: the transition to StatusCancelled happens
// later, in Reap. A no-op if tr is not currently submitted.
// Clears FlagResubmit so a continuous read is guaranteed to eventually stop
// rearming.
func (tr *Transfer) Cancel() error {
	tr.mu.Lock()
	if !tr.submitted {
		tr.mu.Unlock()
		return nil
	}
	tr.Flags &^= FlagResubmit
	tr.mu.Unlock()
	tr.ctx.Observer.ObserveCancel(tr.Kind.String())
	return tr.backend.Cancel(tr.ctx, tr)
}

// Wait blocks until tr's current submission cycle completes, driving the
// dispatch loop itself if no other goroutine currently does, or parking
// for hand-off otherwise.
func (tr *Transfer) Wait(ctx context.Context) error {
	return tr.completion.Wait(ctx)
}

// Reap is invoked by a backend from its dispatcher callback once the OS
// primitive backing tr has completed. ctx is the driver-marked context the
// backend's own wait-set or task callback received, threaded through so
// the user callback (and anything it calls, like a nested Wait) can tell
// it's already running on the loop driver. status/actualLength are the
// backend's mapping of that OS completion (callers compute this by
// querying their own OS primitive); Reap delivers the callback and applies
// the continuous-resubmit extension when FlagResubmit is set.
func (tr *Transfer) Reap(ctx context.Context, status Status, actualLength int) {
	tr.mu.Lock()
	tr.submitted = false
	tr.Status = status
	if status == StatusCompleted {
		tr.ActualLength = actualLength
	} else {
		tr.ActualLength = 0
	}
	cb := tr.userCallback
	latency := time.Since(tr.submitTime)
	tr.mu.Unlock()

	tr.ctx.Logger.Debugf("aiocore: %s transfer reaped: status=%s bytes=%d", tr.Kind, status, actualLength)
	tr.ctx.Observer.ObserveComplete(tr.Kind.String(), actualLength, latency.Nanoseconds(), status.String())

	if cb != nil {
		cb(ctx, tr)
	}

	tr.mu.Lock()
	resubmittedByCallback := tr.submitted
	autoResubmit := !resubmittedByCallback && tr.Flags&FlagResubmit != 0 && status != StatusCancelled
	tr.mu.Unlock()

	if autoResubmit {
		if err := tr.Submit(); err != nil {
			tr.mu.Lock()
			tr.Status = StatusError
			tr.mu.Unlock()
			tr.completion.Set()
		}
		return
	}

	if !resubmittedByCallback {
		tr.completion.Set()
	}
}

// SubmitWithTimeout submits tr and arms a Timer that cancels it if it has
// not completed within timeout. Timeouts are implemented above the core
// via timers that cancel transfers, not as a core primitive. timeout <= 0 submits without a deadline.
func (tr *Transfer) SubmitWithTimeout(timeout time.Duration) error {
	if err := tr.Submit(); err != nil {
		return err
	}
	if timeout <= 0 {
		return nil
	}
	timer, err := tr.ctx.CreateTimer()
	if err != nil {
		return err
	}
	return timer.Set(timeout, func(_ context.Context, result TimerResult, _ interface{}) {
		if result == TimerCompleted {
			_ = tr.Cancel()
		}
		_ = timer.Destroy()
	}, nil)
}
