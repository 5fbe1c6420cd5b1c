package usbfd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"github.com/deviceio/aiocore"
)

func TestIoctlEncodingMatchesKernelConvention(t *testing.T) {
	// USBDEVFS_DISCARDURB is a bare _IO('U', 11): no direction or size bits.
	assert.Equal(t, uint32('U')<<8|11, ioctlDiscardURB)

	// USBDEVFS_SETCONFIGURATION is _IOR('U', 5, unsigned int): direction
	// bits set, size bits carry sizeof(uint32).
	assert.NotEqual(t, uint32(0), ioctlSetConfiguration&(3<<iocDirShift))
}

func TestUrbTypeForRejectsControlAndSerialKinds(t *testing.T) {
	cases := []struct {
		kind aiocore.TransferKind
		want uint8
		ok   bool
	}{
		{aiocore.KindBulk, urbTypeBulk, true},
		{aiocore.KindInterrupt, urbTypeInterrupt, true},
		{aiocore.KindIsochronous, urbTypeIsochronous, true},
		{aiocore.KindControl, 0, false},
		{aiocore.KindSerialRead, 0, false},
	}
	for _, c := range cases {
		got, err := urbTypeFor(c.kind)
		if c.ok {
			assert.NoError(t, err)
			assert.Equal(t, c.want, got)
		} else {
			assert.Error(t, err)
		}
	}
}

func TestMapURBResultClassifiesStatus(t *testing.T) {
	cases := []struct {
		name     string
		urb      *usbdevfsURB
		canceled bool
		want     aiocore.Status
	}{
		{"success", &usbdevfsURB{Status: 0, ActualLength: 12}, false, aiocore.StatusCompleted},
		{"canceled flag wins", &usbdevfsURB{Status: 0}, true, aiocore.StatusCancelled},
		{"kernel reported cancel", &usbdevfsURB{Status: -int32(unix.ENOENT)}, false, aiocore.StatusCancelled},
		{"stall", &usbdevfsURB{Status: -int32(unix.EPIPE)}, false, aiocore.StatusStall},
		{"no device", &usbdevfsURB{Status: -int32(unix.ENODEV)}, false, aiocore.StatusNoDevice},
		{"overflow keeps actual length", &usbdevfsURB{Status: -int32(unix.EOVERFLOW), ActualLength: 64}, false, aiocore.StatusOverflow},
		{"unknown error", &usbdevfsURB{Status: -5}, false, aiocore.StatusError},
	}
	for _, c := range cases {
		status, actual := mapURBResult(c.urb, c.canceled)
		assert.Equal(t, c.want, status, c.name)
		if c.name == "overflow keeps actual length" {
			assert.Equal(t, 64, actual)
		}
	}
}

func TestClassifyErrnoMapsCommonCodes(t *testing.T) {
	assert.Equal(t, aiocore.CodeNoDevice, classifyErrno(unix.ENODEV))
	assert.Equal(t, aiocore.CodeAccess, classifyErrno(unix.EACCES))
	assert.Equal(t, aiocore.CodeInvalidParam, classifyErrno(unix.EINVAL))
	assert.Equal(t, aiocore.CodeBusy, classifyErrno(unix.EBUSY))
	assert.Equal(t, aiocore.CodeIO, classifyErrno(unix.EIO))
}
