// Package usbfd is the Linux usbfs backend: it drives a real USB device
// node (/dev/bus/usb/BBB/DDD) through the kernel's USBDEVFS_SUBMITURB /
// USBDEVFS_REAPURBNDELAY / USBDEVFS_DISCARDURB ioctls, reaping completions
// through the dispatcher's wait-set the same way an Event or Timer does.
package usbfd

import "unsafe"

// ioctl direction/size encoding, matching asm-generic/ioctl.h. usbfs's
// ioctl numbers aren't exposed by golang.org/x/sys/unix, so they're
// computed here the same way the kernel header defines them.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, typ, nr, size uint32) uint32 {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNrShift) | (size << iocSizeShift)
}

func iow(typ, nr byte, size uintptr) uint32 {
	return ioc(iocWrite, uint32(typ), uint32(nr), uint32(size))
}
func ior(typ, nr byte, size uintptr) uint32 {
	return ioc(iocRead, uint32(typ), uint32(nr), uint32(size))
}

// usbfs ioctl numbers, 'U' (0x55) type.
var (
	ioctlControl          = iowr('U', 0, unsafe.Sizeof(usbdevfsCtrlTransfer{}))
	ioctlSetConfiguration = ior('U', 5, unsafe.Sizeof(uint32(0)))
	ioctlSubmitURB        = ior('U', 10, unsafe.Sizeof(usbdevfsURB{}))
	ioctlDiscardURB       = ioc(iocNone, 'U', 11, 0)
	ioctlReapURBNDelay    = iow('U', 13, unsafe.Sizeof(uintptr(0)))
	ioctlClaimInterface   = ior('U', 15, unsafe.Sizeof(uint32(0)))
	ioctlReleaseInterface = ior('U', 16, unsafe.Sizeof(uint32(0)))
)

func iowr(typ, nr byte, size uintptr) uint32 {
	return ioc(iocWrite|iocRead, uint32(typ), uint32(nr), uint32(size))
}

// URB transfer types, from linux/usbdevice_fs.h.
const (
	urbTypeIsochronous = 0
	urbTypeInterrupt   = 1
	urbTypeControl     = 2
	urbTypeBulk        = 3
)

// usbdevfsURB mirrors struct usbdevfs_urb. The kernel writes back status
// and actual_length in place, so the same buffer submitted is the one
// reaped.
type usbdevfsURB struct {
	Type         uint8
	EndpointAddr uint8
	Status       int32
	Flags        uint32
	Buffer       uint64 // void* to the data buffer
	BufferLength int32
	ActualLength int32
	StartFrame   int32
	NumberOfPkts int32 // also "stream_id" on newer kernels; unused here
	ErrorCount   int32
	SigNr        uint32
	UserContext  uint64 // void*, carries our *pendingTransfer
}

// usbdevfsCtrlTransfer mirrors struct usbdevfs_ctrltransfer.
type usbdevfsCtrlTransfer struct {
	BRequestType uint8
	BRequest     uint8
	WValue       uint16
	WIndex       uint16
	WLength      uint16
	Timeout      uint32 // milliseconds
	Data         uint64 // void*
}

var (
	_ = [unsafe.Sizeof(usbdevfsURB{})]byte{}
	_ = [unsafe.Sizeof(usbdevfsCtrlTransfer{})]byte{}
)
