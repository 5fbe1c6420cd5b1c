// Package loopback is a software-only Backend implementation used to make
// end-to-end scenarios (bulk echo, cancellation race, resubmit loop)
// deterministic and independent of real USB/serial hardware: instead of a
// flat byte array addressed by offset, it's a set of per-endpoint FIFOs
// addressed by endpoint number, fed either by a paired OUT transfer or by
// a test calling Feed directly.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/deviceio/aiocore"
)

// deviceDescriptor18 is a canned 18-byte USB device descriptor
// (bLength=0x12, bDescriptorType=0x01) returned for a standard
// GET_DESCRIPTOR(DEVICE) control request.
var deviceDescriptor18 = []byte{
	0x12, 0x01, 0x00, 0x02, 0x00, 0x00, 0x00, 0x40,
	0x34, 0x12, 0x78, 0x56, 0x00, 0x01, 0x01, 0x02,
	0x03, 0x01,
}

type pendingRead struct {
	tr *aiocore.Transfer
	f  *fifo
}

type fifo struct {
	mu      sync.Mutex
	buf     []byte
	pending []*pendingRead
}

// Backend is an in-memory aiocore.Backend. The zero value is not usable;
// construct with New.
type Backend struct {
	identity string

	mu     sync.Mutex
	device *aiocore.Device
	fifos  map[uint8]*fifo
}

// New creates a loopback Backend exposing a single synthetic device at the
// given identity (e.g. "loopback:0").
func New(identity string) *Backend {
	return &Backend{
		identity: identity,
		fifos:    make(map[uint8]*fifo),
	}
}

func (b *Backend) fifoFor(endpoint uint8) *fifo {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.fifos[endpoint]
	if !ok {
		f = &fifo{}
		b.fifos[endpoint] = f
	}
	return f
}

// Init satisfies aiocore.Backend; the loopback backend holds no per-context
// OS resources.
func (b *Backend) Init(ctx *aiocore.Context) error { return nil }

// Exit satisfies aiocore.Backend.
func (b *Backend) Exit(ctx *aiocore.Context) error { return nil }

// Enumerate always returns the single synthetic device this Backend was
// constructed with.
func (b *Backend) Enumerate(ctx *aiocore.Context) ([]*aiocore.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.device == nil {
		b.device = &aiocore.Device{
			Identity:  b.identity,
			VendorID:  0xf055,
			ProductID: 0x0001,
			Speed:     "loopback",
		}
	}
	return []*aiocore.Device{b.device}, nil
}

// Open returns a handle over the synthetic device; there is no real OS
// descriptor, so DeviceHandle.FD is -1.
func (b *Backend) Open(ctx *aiocore.Context, dv *aiocore.Device) (*aiocore.DeviceHandle, error) {
	return &aiocore.DeviceHandle{Device: dv, FD: -1}, nil
}

// Submit dispatches tr by Kind: bulk/interrupt OUT appends to the target
// endpoint's FIFO; bulk/interrupt/serial IN pops from it (or parks as a
// pending read if empty); control handles the one request this fixture
// understands (GET_DESCRIPTOR); serial write behaves like a bulk OUT.
// None of these paths invoke tr's callback synchronously; completion is
// always delivered via a task run on the dispatcher.
func (b *Backend) Submit(ctx *aiocore.Context, tr *aiocore.Transfer) error {
	switch tr.Kind {
	case aiocore.KindControl:
		return b.submitControl(ctx, tr)
	case aiocore.KindBulk, aiocore.KindInterrupt, aiocore.KindSerialRead, aiocore.KindSerialWrite:
		return b.submitData(ctx, tr)
	default:
		return fmt.Errorf("aiocore/loopback: unsupported transfer kind %v", tr.Kind)
	}
}

func (b *Backend) isRead(tr *aiocore.Transfer) bool {
	if tr.Kind == aiocore.KindSerialRead {
		return true
	}
	if tr.Kind == aiocore.KindSerialWrite {
		return false
	}
	return tr.Direction == aiocore.DirectionIn
}

func (b *Backend) submitData(ctx *aiocore.Context, tr *aiocore.Transfer) error {
	f := b.fifoFor(tr.Endpoint.Number)
	if !b.isRead(tr) {
		data := append([]byte(nil), tr.Buffer...)
		n := len(data)
		f.mu.Lock()
		var waiter *pendingRead
		if len(f.pending) > 0 {
			waiter = f.pending[0]
			f.pending = f.pending[1:]
		} else {
			f.buf = append(f.buf, data...)
		}
		f.mu.Unlock()
		if waiter != nil {
			deliver(waiter.tr, data)
		}
		ctx.SubmitTaskDirect(func(ictx context.Context, _ interface{}) {
			tr.Reap(ictx, aiocore.StatusCompleted, n)
		}, nil)
		return nil
	}

	f.mu.Lock()
	if len(f.buf) > 0 {
		n := copy(tr.Buffer, f.buf)
		f.buf = f.buf[n:]
		f.mu.Unlock()
		ctx.SubmitTaskDirect(func(ictx context.Context, _ interface{}) {
			tr.Reap(ictx, aiocore.StatusCompleted, n)
		}, nil)
		return nil
	}
	pr := &pendingRead{tr: tr, f: f}
	f.pending = append(f.pending, pr)
	f.mu.Unlock()
	tr.BackendState = pr
	return nil
}

// deliver completes a parked read transfer with data, run as a dispatcher
// task so the callback never fires synchronously from whichever goroutine
// produced the data (a paired OUT submission, or a test's Feed call).
func deliver(tr *aiocore.Transfer, data []byte) {
	tr.Context().SubmitTaskDirect(func(ictx context.Context, _ interface{}) {
		n := copy(tr.Buffer, data)
		tr.Reap(ictx, aiocore.StatusCompleted, n)
	}, nil)
}

func (b *Backend) submitControl(ctx *aiocore.Context, tr *aiocore.Transfer) error {
	sp, err := aiocore.ParseSetupPacket(tr.Buffer)
	if err != nil {
		return err
	}
	const (
		reqGetDescriptor   = 0x06
		descriptorTypeByte = 1 // high byte of wValue
	)
	if sp.IsDeviceToHost() && sp.BRequest == reqGetDescriptor && byte(sp.WValue>>8) == descriptorTypeByte {
		n := copy(tr.Buffer[aiocore.SetupPacketLen:], deviceDescriptor18)
		actual := aiocore.SetupPacketLen + n
		ctx.SubmitTaskDirect(func(ictx context.Context, _ interface{}) {
			tr.Reap(ictx, aiocore.StatusCompleted, actual)
		}, nil)
		return nil
	}
	ctx.SubmitTaskDirect(func(ictx context.Context, _ interface{}) {
		tr.Reap(ictx, aiocore.StatusError, 0)
	}, nil)
	return nil
}

// Cancel removes tr from its endpoint's pending-read list, if it is still
// parked there, and reaps it as cancelled. A no-op if tr already completed
// (it raced and is no longer pending) — idempotent
func (b *Backend) Cancel(ctx *aiocore.Context, tr *aiocore.Transfer) error {
	pr, ok := tr.BackendState.(*pendingRead)
	if !ok || pr == nil {
		return nil
	}
	pr.f.mu.Lock()
	removed := false
	for i, p := range pr.f.pending {
		if p == pr {
			pr.f.pending = append(pr.f.pending[:i], pr.f.pending[i+1:]...)
			removed = true
			break
		}
	}
	pr.f.mu.Unlock()
	if !removed {
		return nil
	}
	ctx.SubmitTaskDirect(func(ictx context.Context, _ interface{}) {
		tr.Reap(ictx, aiocore.StatusCancelled, 0)
	}, nil)
	return nil
}

// Perform is not supported: every operation goes through Submit+Wait.
func (b *Backend) Perform(ctx context.Context, tr *aiocore.Transfer) error {
	return aiocore.NewError("perform", aiocore.CodeNotSupported, "loopback backend has no synchronous fast path")
}

// Feed pushes data into endpoint's FIFO as if it arrived from the wire,
// fulfilling a parked read transfer immediately if one is waiting —
// exercised by the resubmit-loop scenario, which
// feeds 24 bytes in three 8-byte bursts to a continuously-resubmitted
// serial read.
func (b *Backend) Feed(endpoint uint8, data []byte) {
	f := b.fifoFor(endpoint)
	f.mu.Lock()
	if len(f.pending) == 0 {
		f.buf = append(f.buf, data...)
		f.mu.Unlock()
		return
	}
	pr := f.pending[0]
	f.pending = f.pending[1:]
	f.mu.Unlock()
	deliver(pr.tr, data)
}

var _ aiocore.Backend = (*Backend)(nil)
