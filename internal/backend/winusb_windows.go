//go:build windows

// Package backend's winusb_windows.go sketches a Windows counterpart to
// internal/backend/usbfd: the overlapped-I/O calling convention
// (CreateFile with FILE_FLAG_OVERLAPPED, DeviceIoControl plus an OVERLAPPED
// struct, GetOverlappedResult) in place of usbfs ioctls. It is not wired
// into any cmd/ entry point or test — the portable dispatcher's wait-set is
// fd-based (internal/waitpoller wraps poll(2)), and bridging a Windows
// HANDLE-based I/O completion port into that wait-set is future work, not
// sketched here. Submit instead runs DeviceIoControl synchronously on a
// spawned goroutine and reaps the result through the driving Context's task
// queue, the same pattern internal/backend/usbfd uses for control
// transfers (whose ioctl also blocks for the duration of the transfer).
package backend

import (
	"context"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/deviceio/aiocore"
)

// winusbControlCode is WINUSB_IOCTL_INDEX's base control transfer request,
// mirroring libusb0_win32.c's sync_device_io_control ioctl dispatch (the
// driver-specific control code differs per WinUSB/libusb0 driver build; the
// value here is the commonly-published libusb0 control-transfer code).
const winusbControlCode = 0x88000000 + (0x800 << 2)

// winusbTransferRequest mirrors libusb0_win32.c's usbyb_transfer request
// header passed ahead of the payload in a single DeviceIoControl call.
type winusbTransferRequest struct {
	Endpoint      uint8
	BmRequestType uint8
	BRequest      uint8
	_             uint8
	WValue        uint16
	WIndex        uint16
	WLength       uint16
	TimeoutMs     uint32
}

// Backend is a sketch Windows USB backend: an opened device is a HANDLE
// obtained via CreateFile, submissions are issued through DeviceIoControl.
type Backend struct {
	handles map[string]windows.Handle
}

// New returns an unopened Backend.
func New() *Backend {
	return &Backend{handles: make(map[string]windows.Handle)}
}

// Init is a no-op: nothing process-global needs setting up before a device
// path is opened.
func (b *Backend) Init(ctx *aiocore.Context) error { return nil }

// Exit closes any handles still open.
func (b *Backend) Exit(ctx *aiocore.Context) error {
	for path, h := range b.handles {
		_ = windows.CloseHandle(h)
		delete(b.handles, path)
	}
	return nil
}

// Enumerate is not sketched: device discovery on Windows goes through
// SetupAPI (SetupDiGetClassDevs / SetupDiEnumDeviceInterfaces), which is a
// substantially larger surface than this sketch covers. Callers on Windows
// are expected to resolve a device path themselves and call Open directly.
func (b *Backend) Enumerate(ctx *aiocore.Context) ([]*aiocore.Device, error) {
	return nil, aiocore.NewError("enumerate", aiocore.CodeNotSupported, "device enumeration is not sketched for the Windows backend")
}

// Open opens dv.Path with FILE_FLAG_OVERLAPPED, as libusb0_win32.c's
// usbyb_open does via CreateFileW.
func (b *Backend) Open(ctx *aiocore.Context, dv *aiocore.Device) (*aiocore.DeviceHandle, error) {
	if h, ok := b.handles[dv.Path]; ok {
		return &aiocore.DeviceHandle{Device: dv, FD: int(h)}, nil
	}

	pathPtr, err := windows.UTF16PtrFromString(dv.Path)
	if err != nil {
		return nil, aiocore.WrapError("open", aiocore.CodeInvalidParam, err)
	}
	h, err := windows.CreateFile(
		pathPtr,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_OVERLAPPED,
		0,
	)
	if err != nil {
		return nil, aiocore.WrapError("open", classifyWinErr(err), err)
	}
	b.handles[dv.Path] = h
	return &aiocore.DeviceHandle{Device: dv, FD: int(h)}, nil
}

// Submit issues a control transfer via DeviceIoControl. Only KindControl is
// sketched; bulk/interrupt/isochronous submission would additionally need
// the endpoint pipe ioctls libusb0_win32.c dispatches on, not sketched
// here.
func (b *Backend) Submit(ctx *aiocore.Context, tr *aiocore.Transfer) error {
	if tr.Kind != aiocore.KindControl {
		return aiocore.NewError("submit", aiocore.CodeNotSupported, "only control transfers are sketched for the Windows backend")
	}

	h := windows.Handle(tr.Handle().FD)
	sp, err := aiocore.ParseSetupPacket(tr.Buffer)
	if err != nil {
		return err
	}
	payload := tr.Buffer[aiocore.SetupPacketLen:]

	timeoutMs := uint32(5000)
	if tr.Timeout > 0 {
		timeoutMs = uint32(tr.Timeout.Milliseconds())
	}
	req := winusbTransferRequest{
		Endpoint:      tr.Endpoint.Address(),
		BmRequestType: sp.BmRequestType,
		BRequest:      sp.BRequest,
		WValue:        sp.WValue,
		WIndex:        sp.WIndex,
		WLength:       sp.WLength,
		TimeoutMs:     timeoutMs,
	}

	go func() {
		n, err := deviceIoControlOverlapped(h, winusbControlCode, &req, payload)
		tr.Context().SubmitTaskDirect(func(ictx context.Context, _ interface{}) {
			if err != nil {
				tr.Reap(ictx, classifyWinStatus(err), 0)
				return
			}
			tr.Reap(ictx, aiocore.StatusCompleted, aiocore.SetupPacketLen+n)
		}, nil)
	}()
	return nil
}

// deviceIoControlOverlapped issues req+payload through DeviceIoControl with
// an OVERLAPPED struct, then blocks on GetOverlappedResult — the
// synchronous-wait shape of libusb0_win32.c's sync_device_io_control,
// minus the CreateEvent/CloseHandle pair (GetOverlappedResult's bWait=TRUE
// polls the file handle itself, so no separate event handle is needed for
// a single in-flight request per handle).
func deviceIoControlOverlapped(h windows.Handle, code uint32, req *winusbTransferRequest, payload []byte) (int, error) {
	var overlapped windows.Overlapped
	var transferred uint32

	var outPtr *byte
	if len(payload) > 0 {
		outPtr = &payload[0]
	}

	err := windows.DeviceIoControl(
		h, code,
		(*byte)(unsafe.Pointer(req)), uint32(unsafe.Sizeof(*req)),
		outPtr, uint32(len(payload)),
		&transferred, &overlapped,
	)
	if err != nil && err != windows.ERROR_IO_PENDING {
		return 0, err
	}
	if err == windows.ERROR_IO_PENDING {
		if err := windows.GetOverlappedResult(h, &overlapped, &transferred, true); err != nil {
			return 0, err
		}
	}
	return int(transferred), nil
}

// Cancel issues CancelIoEx against the handle's in-flight request. Best
// effort: like usbfd's USBDEVFS_DISCARDURB, the actual StatusCancelled
// transition only happens once the cancelled DeviceIoControl call returns
// and Submit's goroutine reaps it.
func (b *Backend) Cancel(ctx *aiocore.Context, tr *aiocore.Transfer) error {
	h := windows.Handle(tr.Handle().FD)
	if err := windows.CancelIoEx(h, nil); err != nil && err != windows.ERROR_NOT_FOUND {
		return aiocore.WrapError("cancel", classifyWinErr(err), err)
	}
	return nil
}

// Perform is not sketched: no synchronous fast path is implemented.
func (b *Backend) Perform(ctx context.Context, tr *aiocore.Transfer) error {
	return aiocore.NewError("perform", aiocore.CodeNotSupported, "synchronous Perform is not sketched for the Windows backend")
}

func classifyWinErr(err error) aiocore.ErrorCode {
	switch err {
	case windows.ERROR_FILE_NOT_FOUND, windows.ERROR_PATH_NOT_FOUND, windows.ERROR_DEV_NOT_EXIST:
		return aiocore.CodeNoDevice
	case windows.ERROR_ACCESS_DENIED:
		return aiocore.CodeAccess
	default:
		return aiocore.CodeIO
	}
}

func classifyWinStatus(err error) aiocore.Status {
	switch err {
	case windows.ERROR_OPERATION_ABORTED:
		return aiocore.StatusCancelled
	case windows.ERROR_DEV_NOT_EXIST, windows.ERROR_DEVICE_NOT_CONNECTED:
		return aiocore.StatusNoDevice
	case windows.ERROR_GEN_FAILURE:
		return aiocore.StatusStall
	default:
		return aiocore.StatusError
	}
}

var _ aiocore.Backend = (*Backend)(nil)
