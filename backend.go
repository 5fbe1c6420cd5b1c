package aiocore

import "context"

// TransferKind identifies the USB transfer type, or a serial raw read/write,
// carried on a Transfer.
type TransferKind int

const (
	KindControl TransferKind = iota
	KindIsochronous
	KindBulk
	KindInterrupt
	KindSerialRead
	KindSerialWrite
)

// Direction is the data-flow direction of a Transfer.
type Direction int

const (
	DirectionOut Direction = iota
	DirectionIn
)

// Endpoint describes one USB endpoint, supplied by the caller rather than
// parsed from a configuration descriptor (descriptor parsing is out of
// scope; the core only needs enough to validate a transfer's Kind against
// the endpoint it targets).
type Endpoint struct {
	Number        uint8
	Direction     Direction
	Kind          TransferKind
	MaxPacketSize uint16
}

// Address returns the USB endpoint address byte: the endpoint number with
// the direction bit (0x80) set for IN endpoints.
func (e Endpoint) Address() uint8 {
	if e.Direction == DirectionIn {
		return e.Number | 0x80
	}
	return e.Number &^ 0x80
}

// Device is an enumerated, refcounted handle to a backend-specific device,
// matched across repeated Enumerate calls by its Identity.
type Device struct {
	// Identity is the stable key a backend uses to recognize the same
	// physical device across enumerations: "bus:address" for USB, a path
	// for serial.
	Identity string

	Bus, Address        uint8
	VendorID, ProductID uint16
	Speed               string
	Path                string

	refcount int32
}

// Ref increments the device's reference count.
func (dv *Device) Ref() {
	dv.refcount++
}

// Unref decrements the device's reference count and reports whether this
// call dropped it to zero.
func (dv *Device) Unref() bool {
	dv.refcount--
	return dv.refcount <= 0
}

// DeviceHandle is an opened backend handle, returned by Backend.Open. FD is
// the backend-specific OS descriptor: the device node fd for usbfd, the tty
// fd for serial, unused (-1) for loopback.
type DeviceHandle struct {
	Device *Device
	FD     int
}

// DeviceParams selects which device Enumerate/Open should resolve, mirroring
// the option-struct construction pattern used throughout this module in
// place of CLI flags or environment variables.
type DeviceParams struct {
	VendorID, ProductID uint16
	Path                string // serial: the tty device path; ignored by usbfd
}

// FindDevice enumerates b and returns the first device matching params:
// by Path if set, else by VendorID/ProductID (zero means "don't care" for
// either). Returns a *Error with CodeNoDevice if nothing matches.
func FindDevice(ctx *Context, b Backend, params DeviceParams) (*Device, error) {
	devices, err := b.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	for _, dv := range devices {
		if params.Path != "" {
			if dv.Path == params.Path {
				return dv, nil
			}
			continue
		}
		if params.VendorID != 0 && dv.VendorID != params.VendorID {
			continue
		}
		if params.ProductID != 0 && dv.ProductID != params.ProductID {
			continue
		}
		return dv, nil
	}
	return nil, newError("find_device", CodeNoDevice, "no device matched the given parameters")
}

// SerialConfig is the minimal line configuration the serial backend needs
// to arm a port.
type SerialConfig struct {
	BaudRate    int
	DataBits    int
	StopBits    int
	Parity      Parity
	FlowControl FlowControl
}

// Parity is the serial port parity mode.
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

// FlowControl is the serial port flow-control mode.
type FlowControl int

const (
	FlowControlNone FlowControl = iota
	FlowControlRTSCTS
	FlowControlXonXoff
)

// Backend is the fixed adapter surface: a fd-based USB
// backend, a serial backend, and an in-memory loopback backend all
// implement it identically so the Transfer engine never branches on which
// one it's talking to.
type Backend interface {
	// Init prepares per-backend context state; Exit releases it.
	Init(ctx *Context) error
	Exit(ctx *Context) error

	// Enumerate returns a snapshot of currently visible devices.
	Enumerate(ctx *Context) ([]*Device, error)

	// Open acquires (or reuses) an OS handle for dv.
	Open(ctx *Context, dv *Device) (*DeviceHandle, error)

	// Submit issues the OS I/O primitive backing tr and registers it with
	// the dispatcher. It must not invoke tr's callback synchronously even
	// on immediate completion.
	Submit(ctx *Context, tr *Transfer) error

	// Cancel requests that tr's in-flight I/O be aborted. Idempotent,
	// non-blocking; the transition to StatusCancelled happens in reap.
	Cancel(ctx *Context, tr *Transfer) error

	// Perform is an optional synchronous fast path. Implementations that
	// don't support it return a *Error with CodeNotSupported so callers
	// fall back to Submit+Wait.
	Perform(ctx context.Context, tr *Transfer) error
}
