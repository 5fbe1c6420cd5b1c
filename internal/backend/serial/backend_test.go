package serial

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/deviceio/aiocore"
)

func testTransfer(t *testing.T) *aiocore.Transfer {
	t.Helper()
	ctx, err := aiocore.Init()
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Unref() })

	dv := &aiocore.Device{Identity: "/dev/ttyTEST0"}
	handle := &aiocore.DeviceHandle{Device: dv, FD: -1}
	tr, err := aiocore.AllocTransfer(ctx, handle, New(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Free() })
	return tr
}

func TestPortForReportsNoDeviceWhenUnopened(t *testing.T) {
	b := New()
	_, err := b.portFor(&aiocore.DeviceHandle{Device: &aiocore.Device{Identity: "/dev/ttyMissing"}})
	require.Error(t, err)
	assert.True(t, aiocore.IsCode(err, aiocore.CodeNoDevice))
}

func TestCancelClearsParkedReadAndReaps(t *testing.T) {
	b := New()
	p := &portState{fd: -1}
	b.ports["/dev/ttyTEST0"] = p

	tr := testTransfer(t)
	p.readWait = tr

	require.NoError(t, b.Cancel(tr.Context(), tr))
	assert.Nil(t, p.readWait)

	// Drive the loop so the queued cancellation reap runs.
	require.NoError(t, tr.Wait(context.Background()))
	assert.Equal(t, aiocore.StatusCancelled, tr.Status)
}

func TestCancelIsNoOpWhenNothingParked(t *testing.T) {
	b := New()
	p := &portState{fd: -1}
	b.ports["/dev/ttyTEST0"] = p

	tr := testTransfer(t)
	require.NoError(t, b.Cancel(tr.Context(), tr))
}

func TestClassifyErrnoMapsCommonCodes(t *testing.T) {
	assert.Equal(t, aiocore.CodeNoDevice, classifyErrno(unix.ENXIO))
	assert.Equal(t, aiocore.CodeAccess, classifyErrno(unix.EACCES))
	assert.Equal(t, aiocore.CodeInvalidParam, classifyErrno(unix.EINVAL))
	assert.Equal(t, aiocore.CodeIO, classifyErrno(unix.EIO))
}

func TestSubmitRejectsUnsupportedKind(t *testing.T) {
	b := New()
	p := &portState{fd: -1}
	b.ports["/dev/ttyTEST0"] = p

	tr := testTransfer(t)
	tr.Kind = aiocore.KindBulk
	err := b.Submit(tr.Context(), tr)
	require.Error(t, err)
	assert.True(t, aiocore.IsCode(err, aiocore.CodeInvalidParam))
}
