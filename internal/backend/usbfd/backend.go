package usbfd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/deviceio/aiocore"
	"github.com/deviceio/aiocore/internal/waitpoller"
)

// busDevPath is overridable by tests; real usbfs devices live under
// /dev/bus/usb/BBB/DDD.
var busDevPath = "/dev/bus/usb"

// pendingTransfer is the usbfd-specific bookkeeping stashed in
// Transfer.BackendState between Submit and reap: the URB buffer the kernel
// writes status/actual_length back into, plus the Go-side Transfer and
// data buffer it belongs to.
type pendingTransfer struct {
	tr       *aiocore.Transfer
	urb      *usbdevfsURB
	data     []byte // keeps the URB's Buffer pointer alive against the GC
	canceled bool
}

// handleState is the per-open-device bookkeeping: the device node fd, its
// dispatcher wait-set registration, and the URBs currently in flight on
// it (keyed by the URB's address, since the kernel hands the same pointer
// back on reap).
type handleState struct {
	mu      sync.Mutex
	fd      int
	pending map[uintptr]*pendingTransfer
	watched bool
}

// Backend drives real USB devices through usbfs. The zero value is usable:
// Open creates the handle map on first use.
type Backend struct {
	mu      sync.Mutex
	handles map[string]*handleState // keyed by Device.Identity
}

// New creates an unopened usbfd Backend.
func New() *Backend {
	return &Backend{handles: make(map[string]*handleState)}
}

// Init satisfies aiocore.Backend; usbfs needs no per-context setup beyond
// what Open performs lazily.
func (b *Backend) Init(ctx *aiocore.Context) error { return nil }

// Exit closes every device fd this Backend opened.
func (b *Backend) Exit(ctx *aiocore.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, h := range b.handles {
		_ = unix.Close(h.fd)
		delete(b.handles, id)
	}
	return nil
}

// Enumerate walks /dev/bus/usb/BBB/DDD, taking bus and address from the
// path and the vendor/product ID from the descriptor header read straight
// out of the usbfs device node rather than from sysfs, so this works in a
// chroot or container that only bind-mounts /dev/bus/usb. Device.Speed is
// left empty.
func (b *Backend) Enumerate(ctx *aiocore.Context) ([]*aiocore.Device, error) {
	buses, err := os.ReadDir(busDevPath)
	if err != nil {
		return nil, aiocore.WrapError("enumerate", aiocore.CodeIO, err)
	}
	sort.Slice(buses, func(i, j int) bool { return buses[i].Name() < buses[j].Name() })

	var devices []*aiocore.Device
	for _, bus := range buses {
		busNum, err := strconv.Atoi(bus.Name())
		if err != nil {
			continue
		}
		busDir := filepath.Join(busDevPath, bus.Name())
		entries, err := os.ReadDir(busDir)
		if err != nil {
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, entry := range entries {
			addr, err := strconv.Atoi(entry.Name())
			if err != nil {
				continue
			}
			path := filepath.Join(busDir, entry.Name())
			dv, err := readDeviceDescriptor(path, uint8(busNum), uint8(addr))
			if err != nil {
				continue
			}
			devices = append(devices, dv)
		}
	}
	return devices, nil
}

// readDeviceDescriptor opens path just long enough to read the 18-byte
// standard device descriptor every usbfs device node starts with.
func readDeviceDescriptor(path string, bus, addr uint8) (*aiocore.Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var desc [18]byte
	n, err := f.Read(desc[:])
	if err != nil || n < 18 {
		return nil, fmt.Errorf("aiocore/usbfd: short device descriptor for %s", path)
	}

	return &aiocore.Device{
		Identity:  fmt.Sprintf("%d:%d", bus, addr),
		Bus:       bus,
		Address:   addr,
		VendorID:  uint16(desc[8]) | uint16(desc[9])<<8,
		ProductID: uint16(desc[10]) | uint16(desc[11])<<8,
		Path:      path,
	}, nil
}

// Open opens (or reuses) the usbfs device node for dv.
func (b *Backend) Open(ctx *aiocore.Context, dv *aiocore.Device) (*aiocore.DeviceHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if h, ok := b.handles[dv.Identity]; ok {
		return &aiocore.DeviceHandle{Device: dv, FD: h.fd}, nil
	}

	path := dv.Path
	if path == "" {
		path = filepath.Join(busDevPath, fmt.Sprintf("%03d", dv.Bus), fmt.Sprintf("%03d", dv.Address))
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, aiocore.WrapError("open", classifyErrno(err), err)
	}

	h := &handleState{fd: fd, pending: make(map[uintptr]*pendingTransfer)}
	if b.handles == nil {
		b.handles = make(map[string]*handleState)
	}
	b.handles[dv.Identity] = h
	return &aiocore.DeviceHandle{Device: dv, FD: fd}, nil
}

func (b *Backend) handleFor(handle *aiocore.DeviceHandle) (*handleState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handles[handle.Device.Identity]
	if !ok {
		return nil, aiocore.NewError("handle_lookup", aiocore.CodeNoDevice, "device not open")
	}
	return h, nil
}

// ClaimInterface issues USBDEVFS_CLAIMINTERFACE, required before bulk,
// interrupt, or isochronous transfers on most devices.
func (b *Backend) ClaimInterface(handle *aiocore.DeviceHandle, iface int) error {
	h, err := b.handleFor(handle)
	if err != nil {
		return err
	}
	n := uint32(iface)
	return ioctlErr("claim_interface", ioctlInt(h.fd, ioctlClaimInterface, &n))
}

// ReleaseInterface issues USBDEVFS_RELEASEINTERFACE.
func (b *Backend) ReleaseInterface(handle *aiocore.DeviceHandle, iface int) error {
	h, err := b.handleFor(handle)
	if err != nil {
		return err
	}
	n := uint32(iface)
	return ioctlErr("release_interface", ioctlInt(h.fd, ioctlReleaseInterface, &n))
}

// SetConfiguration issues USBDEVFS_SETCONFIGURATION.
func (b *Backend) SetConfiguration(handle *aiocore.DeviceHandle, value int) error {
	h, err := b.handleFor(handle)
	if err != nil {
		return err
	}
	n := uint32(value)
	return ioctlErr("set_configuration", ioctlInt(h.fd, ioctlSetConfiguration, &n))
}

// Submit issues the usbfs primitive backing tr: USBDEVFS_SUBMITURB for
// bulk/interrupt/isochronous, USBDEVFS_CONTROL for control transfers (the
// control ioctl blocks the calling goroutine for its duration, so it's run
// on a separate goroutine and reaped through a Task rather than the
// wait-set, mirroring how the loopback backend always reaps via a Task).
func (b *Backend) Submit(ctx *aiocore.Context, tr *aiocore.Transfer) error {
	h, err := b.handleFor(tr.Handle())
	if err != nil {
		return err
	}

	if tr.Kind == aiocore.KindControl {
		return b.submitControl(ctx, h, tr)
	}
	return b.submitURB(ctx, h, tr)
}

func (b *Backend) submitURB(ctx *aiocore.Context, h *handleState, tr *aiocore.Transfer) error {
	urbType, err := urbTypeFor(tr.Kind)
	if err != nil {
		return err
	}

	data := tr.Buffer
	urb := &usbdevfsURB{
		Type:         urbType,
		EndpointAddr: tr.Endpoint.Address(),
		BufferLength: int32(len(data)),
	}
	if len(data) > 0 {
		urb.Buffer = uint64(uintptr(unsafe.Pointer(&data[0])))
	}

	pt := &pendingTransfer{tr: tr, urb: urb, data: data}
	urb.UserContext = uint64(uintptr(unsafe.Pointer(pt)))

	ctx.PrepareWait()
	h.mu.Lock()
	if _, err := ioctlSubmit(h.fd, urb); err != nil {
		h.mu.Unlock()
		ctx.CancelWait()
		return aiocore.WrapError("submit_transfer", classifyErrno(err), err)
	}
	h.pending[uintptr(unsafe.Pointer(urb))] = pt
	needsWatch := !h.watched
	h.watched = true
	h.mu.Unlock()

	tr.BackendState = pt
	if needsWatch {
		b.armReap(ctx, h)
	} else {
		ctx.CancelWait()
	}
	return nil
}

// armReap registers h's fd for read-readiness; usbfs marks the device fd
// readable once at least one submitted URB has completed. The callback
// drains every URB REAPURBNDELAY currently offers (there may be several),
// re-arms itself for the next wave unless h has no more URBs in flight.
// ictx is the driver-marked context the dispatcher hands to every wait-set
// callback; it is threaded down to drainReap and on into each reaped
// Transfer's Reap so a completion callback that nests a Wait on this same
// Context recognizes it's already running on the loop driver.
func (b *Backend) armReap(ctx *aiocore.Context, h *handleState) {
	ctx.CommitWait(h.fd, aiocore.ReadEvents, func(ictx context.Context, _ waitpoller.Events) {
		b.drainReap(ictx, ctx, h)
	}, nil)
}

func (b *Backend) drainReap(ictx context.Context, ctx *aiocore.Context, h *handleState) {
	for {
		var urbPtr uintptr
		if _, err := ioctlReap(h.fd, &urbPtr); err != nil {
			break
		}

		h.mu.Lock()
		pt, ok := h.pending[urbPtr]
		if ok {
			delete(h.pending, urbPtr)
		}
		h.mu.Unlock()
		if !ok {
			continue
		}

		status, actual := mapURBResult(pt.urb, pt.canceled)
		pt.tr.Reap(ictx, status, actual)
	}

	h.mu.Lock()
	stillPending := len(h.pending) > 0
	h.watched = stillPending
	h.mu.Unlock()

	if stillPending {
		ctx.PrepareWait()
		b.armReap(ctx, h)
	}
}

func mapURBResult(urb *usbdevfsURB, canceled bool) (aiocore.Status, int) {
	if canceled {
		return aiocore.StatusCancelled, 0
	}
	switch urb.Status {
	case 0:
		return aiocore.StatusCompleted, int(urb.ActualLength)
	case -int32(unix.ECONNRESET), -int32(unix.ENOENT):
		return aiocore.StatusCancelled, 0
	case -int32(unix.EPIPE):
		return aiocore.StatusStall, 0
	case -int32(unix.ENODEV), -int32(unix.ESHUTDOWN):
		return aiocore.StatusNoDevice, 0
	case -int32(unix.EOVERFLOW):
		return aiocore.StatusOverflow, int(urb.ActualLength)
	default:
		return aiocore.StatusError, 0
	}
}

func (b *Backend) submitControl(ctx *aiocore.Context, h *handleState, tr *aiocore.Transfer) error {
	sp, err := aiocore.ParseSetupPacket(tr.Buffer)
	if err != nil {
		return err
	}

	timeoutMS := uint32(5000)
	if tr.Timeout > 0 {
		timeoutMS = uint32(tr.Timeout.Milliseconds())
	}

	payload := tr.Buffer[aiocore.SetupPacketLen:]
	req := &usbdevfsCtrlTransfer{
		BRequestType: sp.BmRequestType,
		BRequest:     sp.BRequest,
		WValue:       sp.WValue,
		WIndex:       sp.WIndex,
		WLength:      sp.WLength,
		Timeout:      timeoutMS,
	}
	if len(payload) > 0 {
		req.Data = uint64(uintptr(unsafe.Pointer(&payload[0])))
	}

	// USBDEVFS_CONTROL blocks for the ioctl's duration; run it off the
	// driving goroutine and reap the result through a Task so Submit
	// itself never blocks the dispatcher.
	go func() {
		n, err := ioctlControlXfer(h.fd, req)
		ctx.SubmitTaskDirect(func(ictx context.Context, _ interface{}) {
			if err != nil {
				tr.Reap(ictx, classifyControlErr(err), 0)
				return
			}
			tr.Reap(ictx, aiocore.StatusCompleted, aiocore.SetupPacketLen+n)
		}, nil)
	}()
	tr.BackendState = req
	return nil
}

func classifyControlErr(err error) aiocore.Status {
	switch classifyErrno(err) {
	case aiocore.CodeNoDevice:
		return aiocore.StatusNoDevice
	default:
		return aiocore.StatusError
	}
}

// Cancel issues USBDEVFS_DISCARDURB for an in-flight URB transfer; control
// transfers, which run a blocking ioctl on their own goroutine, cannot be
// interrupted mid-flight and simply run to completion (the same
// non-cancellable-control-transfer behavior usbfs itself has).
func (b *Backend) Cancel(ctx *aiocore.Context, tr *aiocore.Transfer) error {
	switch state := tr.BackendState.(type) {
	case *pendingTransfer:
		h, err := b.handleFor(tr.Handle())
		if err != nil {
			return err
		}
		state.canceled = true
		_, err = ioctlDiscard(h.fd, state.urb)
		if err != nil && err != unix.EINVAL {
			return aiocore.WrapError("cancel_transfer", classifyErrno(err), err)
		}
		return nil
	default:
		return nil
	}
}

// Perform is not supported: usbfs has no synchronous fast path that
// avoids the ioctl round trip this backend already uses for Submit.
func (b *Backend) Perform(ctx context.Context, tr *aiocore.Transfer) error {
	return aiocore.NewError("perform", aiocore.CodeNotSupported, "usbfd backend has no synchronous fast path")
}

func urbTypeFor(kind aiocore.TransferKind) (uint8, error) {
	switch kind {
	case aiocore.KindBulk:
		return urbTypeBulk, nil
	case aiocore.KindInterrupt:
		return urbTypeInterrupt, nil
	case aiocore.KindIsochronous:
		return urbTypeIsochronous, nil
	default:
		return 0, aiocore.NewError("submit_transfer", aiocore.CodeInvalidParam, fmt.Sprintf("usbfd: unsupported transfer kind %v", kind))
	}
}

func classifyErrno(err error) aiocore.ErrorCode {
	errno, ok := err.(unix.Errno)
	if !ok {
		return aiocore.CodeIO
	}
	switch errno {
	case unix.ENOENT, unix.ENODEV:
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

var _ aiocore.Backend = (*Backend)(nil)
