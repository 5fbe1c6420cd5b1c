package serial

import (
	"context"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/deviceio/aiocore"
	"github.com/deviceio/aiocore/internal/waitpoller"
)

// portState is the per-open-port bookkeeping: the tty fd and whatever
// read/write is currently parked waiting on it (usbfs can have many URBs
// in flight per device; a tty has exactly one outstanding read and one
// outstanding write at a time, since the fd itself is the serialization
// point).
type portState struct {
	mu        sync.Mutex
	fd        int
	readWait  *aiocore.Transfer
	writeWait *aiocore.Transfer
}

// Backend drives real serial ports through a Linux tty device node. The
// zero value is usable: OpenPath creates the port map on first use.
type Backend struct {
	mu    sync.Mutex
	ports map[string]*portState // keyed by Device.Identity (the tty path)
}

// New creates an unopened serial Backend.
func New() *Backend {
	return &Backend{ports: make(map[string]*portState)}
}

// Init satisfies aiocore.Backend.
func (b *Backend) Init(ctx *aiocore.Context) error { return nil }

// Exit closes every tty fd this Backend opened.
func (b *Backend) Exit(ctx *aiocore.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, p := range b.ports {
		_ = unix.Close(p.fd)
		delete(b.ports, id)
	}
	return nil
}

// Enumerate has no device-tree equivalent on a tty: a serial port is
// identified by a path the caller already knows (e.g. /dev/ttyUSB0), so
// Enumerate only reports ports this Backend has already Open'd.
func (b *Backend) Enumerate(ctx *aiocore.Context) ([]*aiocore.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	devices := make([]*aiocore.Device, 0, len(b.ports))
	for id := range b.ports {
		devices = append(devices, &aiocore.Device{Identity: id, Path: id})
	}
	return devices, nil
}

// OpenPath opens the tty at path with cfg applied, the serial-specific
// entry point a caller uses in place of Enumerate+Open (there being
// nothing to enumerate): DeviceParams.Path names the node, and cfg sets
// baud/data bits/stop bits/parity/flow control before the port is handed
// back.
func (b *Backend) OpenPath(ctx *aiocore.Context, path string, cfg aiocore.SerialConfig) (*aiocore.DeviceHandle, error) {
	b.mu.Lock()
	if p, ok := b.ports[path]; ok {
		b.mu.Unlock()
		return &aiocore.DeviceHandle{Device: &aiocore.Device{Identity: path, Path: path}, FD: p.fd}, nil
	}
	b.mu.Unlock()

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, aiocore.WrapError("open", classifyErrno(err), err)
	}

	if err := configure(fd, cfg); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	p := &portState{fd: fd}
	b.mu.Lock()
	if b.ports == nil {
		b.ports = make(map[string]*portState)
	}
	b.ports[path] = p
	b.mu.Unlock()

	dv := &aiocore.Device{Identity: path, Path: path}
	return &aiocore.DeviceHandle{Device: dv, FD: fd}, nil
}

// Open satisfies aiocore.Backend for the generic Enumerate/Open flow,
// reusing an already-Open'd port; it cannot arm a port from scratch
// (there's no configuration to apply), so most callers use OpenPath
// directly instead.
func (b *Backend) Open(ctx *aiocore.Context, dv *aiocore.Device) (*aiocore.DeviceHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.ports[dv.Identity]
	if !ok {
		return nil, aiocore.NewError("open", aiocore.CodeNoDevice, "port not opened via OpenPath")
	}
	return &aiocore.DeviceHandle{Device: dv, FD: p.fd}, nil
}

// Configure re-applies cfg to an already-open port, e.g. to change baud
// rate mid-session.
func (b *Backend) Configure(handle *aiocore.DeviceHandle, cfg aiocore.SerialConfig) error {
	return configure(handle.FD, cfg)
}

func configure(fd int, cfg aiocore.SerialConfig) error {
	var t termios2
	if err := getTermios2(fd, &t); err != nil {
		return aiocore.WrapError("configure_port", classifyErrno(err), err)
	}

	t.makeRaw()
	t.Cflag |= cread | clocal
	baud := uint32(cfg.BaudRate)
	if baud == 0 {
		baud = 9600
	}
	t.setCustomSpeed(baud)
	t.applyDataBits(cfg.DataBits)
	t.applyStopBits(cfg.StopBits)
	t.applyParity(int(cfg.Parity))
	t.applyFlowControl(int(cfg.FlowControl))

	if err := setTermios2(fd, &t); err != nil {
		return aiocore.WrapError("configure_port", classifyErrno(err), err)
	}
	return nil
}

func (b *Backend) portFor(handle *aiocore.DeviceHandle) (*portState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.ports[handle.Device.Identity]
	if !ok {
		return nil, aiocore.NewError("port_lookup", aiocore.CodeNoDevice, "port not open")
	}
	return p, nil
}

// Submit dispatches a raw, non-blocking read or write against the tty fd.
// A read that would block (EAGAIN) parks as a wait-set entry instead of
// spinning; a write that would block does the same on the write side.
func (b *Backend) Submit(ctx *aiocore.Context, tr *aiocore.Transfer) error {
	p, err := b.portFor(tr.Handle())
	if err != nil {
		return err
	}
	switch tr.Kind {
	case aiocore.KindSerialRead:
		return b.submitRead(ctx, p, tr)
	case aiocore.KindSerialWrite:
		return b.submitWrite(ctx, p, tr)
	default:
		return aiocore.NewError("submit_transfer", aiocore.CodeInvalidParam, "serial backend only supports KindSerialRead/KindSerialWrite")
	}
}

func (b *Backend) submitRead(ctx *aiocore.Context, p *portState, tr *aiocore.Transfer) error {
	n, err := unix.Read(p.fd, tr.Buffer)
	if err == nil {
		ctx.SubmitTaskDirect(func(ictx context.Context, _ interface{}) { tr.Reap(ictx, aiocore.StatusCompleted, n) }, nil)
		return nil
	}
	if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
		return aiocore.WrapError("submit_transfer", classifyErrno(err), err)
	}

	p.mu.Lock()
	p.readWait = tr
	p.mu.Unlock()
	ctx.PrepareWait()
	ctx.CommitWait(p.fd, aiocore.ReadEvents, func(ictx context.Context, _ waitpoller.Events) {
		b.completeRead(ictx, p)
	}, nil)
	return nil
}

func (b *Backend) completeRead(ictx context.Context, p *portState) {
	p.mu.Lock()
	tr := p.readWait
	p.readWait = nil
	p.mu.Unlock()
	if tr == nil {
		return
	}
	n, err := unix.Read(p.fd, tr.Buffer)
	if err != nil {
		tr.Reap(ictx, classifyReadStatus(err), 0)
		return
	}
	tr.Reap(ictx, aiocore.StatusCompleted, n)
}

func (b *Backend) submitWrite(ctx *aiocore.Context, p *portState, tr *aiocore.Transfer) error {
	n, err := unix.Write(p.fd, tr.Buffer)
	if err == nil {
		ctx.SubmitTaskDirect(func(ictx context.Context, _ interface{}) { tr.Reap(ictx, aiocore.StatusCompleted, n) }, nil)
		return nil
	}
	if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
		return aiocore.WrapError("submit_transfer", classifyErrno(err), err)
	}

	p.mu.Lock()
	p.writeWait = tr
	p.mu.Unlock()
	ctx.PrepareWait()
	ctx.CommitWait(p.fd, aiocore.WriteEvents, func(ictx context.Context, _ waitpoller.Events) {
		b.completeWrite(ictx, p)
	}, nil)
	return nil
}

func (b *Backend) completeWrite(ictx context.Context, p *portState) {
	p.mu.Lock()
	tr := p.writeWait
	p.writeWait = nil
	p.mu.Unlock()
	if tr == nil {
		return
	}
	n, err := unix.Write(p.fd, tr.Buffer)
	if err != nil {
		tr.Reap(ictx, classifyReadStatus(err), 0)
		return
	}
	tr.Reap(ictx, aiocore.StatusCompleted, n)
}

// Cancel removes a parked read or write from its port's wait slot. A
// serial read/write has no kernel-level abort primitive the way
// USBDEVFS_DISCARDURB does; cancellation here just stops this package
// from ever completing it, leaving the fd itself untouched.
func (b *Backend) Cancel(ctx *aiocore.Context, tr *aiocore.Transfer) error {
	p, err := b.portFor(tr.Handle())
	if err != nil {
		return err
	}
	p.mu.Lock()
	canceled := false
	if p.readWait == tr {
		p.readWait = nil
		canceled = true
	}
	if p.writeWait == tr {
		p.writeWait = nil
		canceled = true
	}
	p.mu.Unlock()
	if !canceled {
		return nil
	}
	ctx.SubmitTaskDirect(func(ictx context.Context, _ interface{}) { tr.Reap(ictx, aiocore.StatusCancelled, 0) }, nil)
	return nil
}

// Perform is not supported: every operation goes through Submit+Wait so
// it can park on the dispatcher when the fd isn't ready.
func (b *Backend) Perform(ctx context.Context, tr *aiocore.Transfer) error {
	return aiocore.NewError("perform", aiocore.CodeNotSupported, "serial backend has no synchronous fast path")
}

func classifyReadStatus(err error) aiocore.Status {
	switch err {
	case unix.ENXIO, unix.ENODEV:
		return aiocore.StatusNoDevice
	default:
		return aiocore.StatusError
	}
}

func classifyErrno(err error) aiocore.ErrorCode {
	errno, ok := err.(unix.Errno)
	if !ok {
		return aiocore.CodeIO
	}
	switch errno {
	case unix.ENOENT, unix.ENODEV, unix.ENXIO:
		return aiocore.CodeNoDevice
	case unix.EACCES, unix.EPERM:
		return aiocore.CodeAccess
	case unix.EINVAL:
		return aiocore.CodeInvalidParam
	case unix.EBUSY:
		return aiocore.CodeBusy
	default:
		return aiocore.CodeIO
	}
}

func getTermios2(fd int, t *termios2) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.TCGETS2), uintptr(unsafe.Pointer(t)))
	if errno != 0 {
		return errno
	}
	return nil
}

func setTermios2(fd int, t *termios2) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.TCSETS2), uintptr(unsafe.Pointer(t)))
	if errno != 0 {
		return errno
	}
	return nil
}

var _ aiocore.Backend = (*Backend)(nil)
