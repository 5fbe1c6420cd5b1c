package loopback_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deviceio/aiocore"
	"github.com/deviceio/aiocore/internal/backend/loopback"
)

func openLoopback(t *testing.T) (*aiocore.Context, *loopback.Backend, *aiocore.DeviceHandle) {
	t.Helper()
	ctx, err := aiocore.InitWithWorker()
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Unref() })

	be := loopback.New("loopback:0")
	devices, err := be.Enumerate(ctx)
	require.NoError(t, err)
	handle, err := be.Open(ctx, devices[0])
	require.NoError(t, err)
	return ctx, be, handle
}

// TestBulkEchoRoundTrip is the bulk echo scenario: a write to an endpoint's
// FIFO is read back intact through a separate IN transfer on the same
// endpoint number.
func TestBulkEchoRoundTrip(t *testing.T) {
	ctx, be, handle := openLoopback(t)
	endpoint := aiocore.Endpoint{Number: 1, Kind: aiocore.KindBulk, MaxPacketSize: 64}

	out, err := aiocore.AllocTransfer(ctx, handle, be, nil)
	require.NoError(t, err)
	defer out.Free()
	out.Kind = aiocore.KindBulk
	out.Direction = aiocore.DirectionOut
	out.Endpoint = endpoint
	out.Buffer = []byte("round trip payload")

	require.NoError(t, out.Submit())
	require.NoError(t, out.Wait(context.Background()))
	assert.Equal(t, aiocore.StatusCompleted, out.Status)
	assert.Equal(t, len(out.Buffer), out.GetActualLength())

	in, err := aiocore.AllocTransfer(ctx, handle, be, nil)
	require.NoError(t, err)
	defer in.Free()
	in.Kind = aiocore.KindBulk
	in.Direction = aiocore.DirectionIn
	in.Endpoint = endpoint
	in.Buffer = make([]byte, len(out.Buffer))

	require.NoError(t, in.Submit())
	require.NoError(t, in.Wait(context.Background()))
	assert.Equal(t, aiocore.StatusCompleted, in.Status)
	assert.Equal(t, "round trip payload", string(in.Buffer[:in.GetActualLength()]))
}

// TestCancelRaceOnParkedRead is the cancellation race scenario: a read
// submitted against an empty FIFO parks rather than completing; cancelling
// it before any Feed arrives must deliver StatusCancelled, not a hang.
func TestCancelRaceOnParkedRead(t *testing.T) {
	ctx, be, handle := openLoopback(t)
	endpoint := aiocore.Endpoint{Number: 2, Kind: aiocore.KindBulk, MaxPacketSize: 64}

	in, err := aiocore.AllocTransfer(ctx, handle, be, nil)
	require.NoError(t, err)
	defer in.Free()
	in.Kind = aiocore.KindBulk
	in.Direction = aiocore.DirectionIn
	in.Endpoint = endpoint
	in.Buffer = make([]byte, 8)

	require.NoError(t, in.Submit())
	require.NoError(t, in.Cancel())

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, in.Wait(waitCtx))
	assert.Equal(t, aiocore.StatusCancelled, in.Status)
}

// TestContinuousReadResubmitLoop is the resubmit-loop scenario: a read
// flagged FlagResubmit rearms itself after every completion, so three
// separate Feed bursts on the same endpoint are each delivered to a fresh
// callback invocation without the caller resubmitting by hand.
func TestContinuousReadResubmitLoop(t *testing.T) {
	ctx, be, handle := openLoopback(t)
	endpoint := aiocore.Endpoint{Number: 3, Kind: aiocore.KindSerialRead, MaxPacketSize: 64}

	received := make(chan []byte, 3)
	tr, err := aiocore.AllocTransfer(ctx, handle, be, func(_ context.Context, tr *aiocore.Transfer) {
		if tr.Status != aiocore.StatusCompleted {
			return
		}
		got := make([]byte, tr.GetActualLength())
		copy(got, tr.Buffer[:tr.GetActualLength()])
		received <- got
	})
	require.NoError(t, err)
	tr.Kind = aiocore.KindSerialRead
	tr.Endpoint = endpoint
	tr.Buffer = make([]byte, 8)
	tr.Flags = aiocore.FlagResubmit

	require.NoError(t, tr.Submit())

	bursts := [][]byte{
		[]byte("burst one"[:8]),
		[]byte("burst two"[:8]),
		[]byte("burst3!!"),
	}
	for i, burst := range bursts {
		be.Feed(endpoint.Number, burst)
		select {
		case got := <-received:
			assert.Equal(t, burst, got, "burst %d", i)
		case <-time.After(time.Second):
			t.Fatalf("burst %d never delivered", i)
		}
	}

	require.NoError(t, tr.Cancel())
	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.Wait(waitCtx))
	assert.Equal(t, aiocore.StatusCancelled, tr.Status)
	require.NoError(t, tr.Free())
}

// TestControlGetDescriptor is the control GET_DESCRIPTOR scenario: a
// standard device-to-host GET_DESCRIPTOR(DEVICE) request returns the
// fixture's canned 18-byte device descriptor after the 8-byte setup
// prefix.
func TestControlGetDescriptor(t *testing.T) {
	ctx, be, handle := openLoopback(t)

	tr, err := aiocore.AllocTransfer(ctx, handle, be, nil)
	require.NoError(t, err)
	defer tr.Free()
	tr.Kind = aiocore.KindControl
	tr.Buffer = make([]byte, aiocore.SetupPacketLen+18)
	require.NoError(t, aiocore.PutSetupPacket(tr.Buffer, aiocore.SetupPacket{
		BmRequestType: 0x80, // device-to-host, standard, device
		BRequest:      0x06, // GET_DESCRIPTOR
		WValue:        0x0100,
		WLength:       18,
	}))

	require.NoError(t, tr.Submit())
	require.NoError(t, tr.Wait(context.Background()))
	assert.Equal(t, aiocore.StatusCompleted, tr.Status)
	assert.Equal(t, aiocore.SetupPacketLen+18, tr.GetActualLength())

	descriptor := tr.Buffer[aiocore.SetupPacketLen:tr.GetActualLength()]
	assert.Equal(t, byte(0x12), descriptor[0], "bLength")
	assert.Equal(t, byte(0x01), descriptor[1], "bDescriptorType")
}

// TestControlUnsupportedRequestErrors confirms an unrecognized control
// request reaps as StatusError rather than hanging or panicking.
func TestControlUnsupportedRequestErrors(t *testing.T) {
	ctx, be, handle := openLoopback(t)

	tr, err := aiocore.AllocTransfer(ctx, handle, be, nil)
	require.NoError(t, err)
	defer tr.Free()
	tr.Kind = aiocore.KindControl
	tr.Buffer = make([]byte, aiocore.SetupPacketLen)
	require.NoError(t, aiocore.PutSetupPacket(tr.Buffer, aiocore.SetupPacket{
		BmRequestType: 0x00,
		BRequest:      0x09, // SET_CONFIGURATION: unsupported by this fixture
	}))

	require.NoError(t, tr.Submit())
	require.NoError(t, tr.Wait(context.Background()))
	assert.Equal(t, aiocore.StatusError, tr.Status)
}
