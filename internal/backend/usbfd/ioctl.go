package usbfd

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// rawIoctl issues ioctl(fd, req, arg) directly, the same pattern used
// throughout golang.org/x/sys/unix for ioctls it doesn't wrap itself.
func rawIoctl(fd int, req uint32, arg unsafe.Pointer) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return r, errno
	}
	return r, nil
}

func ioctlInt(fd int, req uint32, v *uint32) (uintptr, error) {
	return rawIoctl(fd, req, unsafe.Pointer(v))
}

func ioctlSubmit(fd int, urb *usbdevfsURB) (uintptr, error) {
	return rawIoctl(fd, ioctlSubmitURB, unsafe.Pointer(urb))
}

func ioctlDiscard(fd int, urb *usbdevfsURB) (uintptr, error) {
	return rawIoctl(fd, ioctlDiscardURB, unsafe.Pointer(urb))
}

// ioctlReap issues USBDEVFS_REAPURBNDELAY, the non-blocking reap usbfs
// offers once the device fd has gone read-ready: on success *urbPtr holds
// the address of the completed usbdevfs_urb, the same pointer that was
// submitted.
func ioctlReap(fd int, urbPtr *uintptr) (uintptr, error) {
	return rawIoctl(fd, ioctlReapURBNDelay, unsafe.Pointer(urbPtr))
}

// ioctlControlXfer issues the blocking USBDEVFS_CONTROL ioctl and returns
// the number of bytes transferred (the ioctl's return value).
func ioctlControlXfer(fd int, req *usbdevfsCtrlTransfer) (int, error) {
	n, err := rawIoctl(fd, ioctlControl, unsafe.Pointer(req))
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func ioctlErr(op string, _ uintptr, err error) error {
	if err == nil {
		return nil
	}
	return &ioctlFailure{op: op, err: err}
}

type ioctlFailure struct {
	op  string
	err error
}

func (f *ioctlFailure) Error() string { return "aiocore/usbfd: " + f.op + ": " + f.err.Error() }
func (f *ioctlFailure) Unwrap() error { return f.err }
