package aiocore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deviceio/aiocore"
)

func TestEndpointAddressSetsDirectionBit(t *testing.T) {
	out := aiocore.Endpoint{Number: 3, Direction: aiocore.DirectionOut}
	in := aiocore.Endpoint{Number: 3, Direction: aiocore.DirectionIn}
	assert.Equal(t, uint8(0x03), out.Address())
	assert.Equal(t, uint8(0x83), in.Address())
}

func TestFindDeviceZeroVendorAndProductMatchAny(t *testing.T) {
	be := newStubBackend()
	ctx, err := aiocore.Init()
	require.NoError(t, err)
	defer ctx.Unref()

	dv, err := aiocore.FindDevice(ctx, be, aiocore.DeviceParams{})
	require.NoError(t, err)
	assert.Equal(t, "stub:0", dv.Identity)
}

func TestFindDeviceReportsNoDeviceWhenNothingMatches(t *testing.T) {
	be := newStubBackend()
	ctx, err := aiocore.Init()
	require.NoError(t, err)
	defer ctx.Unref()

	_, err = aiocore.FindDevice(ctx, be, aiocore.DeviceParams{VendorID: 0xffff})
	require.Error(t, err)
	assert.True(t, aiocore.IsCode(err, aiocore.CodeNoDevice))
}

func TestFindDeviceByPathReportsNoDeviceForUnknownPath(t *testing.T) {
	be := newStubBackend()
	ctx, err := aiocore.Init()
	require.NoError(t, err)
	defer ctx.Unref()

	_, err = aiocore.FindDevice(ctx, be, aiocore.DeviceParams{Path: "/dev/nonexistent"})
	require.Error(t, err)
	assert.True(t, aiocore.IsCode(err, aiocore.CodeNoDevice))
}
