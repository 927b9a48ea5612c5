package transport_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/embeint/epacket/buffer"
	"github.com/embeint/epacket/dummytransport"
	"github.com/embeint/epacket/transport"
)

func TestReceiveNoWaitDisablesImmediately(t *testing.T) {
	d := dummytransport.New(buffer.InterfaceDummy)
	dev := transport.NewDevice(d, nil)

	require.NoError(t, dev.Receive(time.Second))
	require.True(t, d.ReceiveEnabled())

	require.NoError(t, dev.Receive(buffer.NoWait))
	require.False(t, d.ReceiveEnabled())
}

func TestReceiveForeverStaysEnabled(t *testing.T) {
	d := dummytransport.New(buffer.InterfaceDummy)
	dev := transport.NewDevice(d, nil)

	require.NoError(t, dev.Receive(buffer.Forever))
	require.True(t, d.ReceiveEnabled())
	time.Sleep(20 * time.Millisecond)
	require.True(t, d.ReceiveEnabled())
}

func TestReceiveRescheduleTakesLargerDeadline(t *testing.T) {
	d := dummytransport.New(buffer.InterfaceDummy)
	dev := transport.NewDevice(d, nil)

	require.NoError(t, dev.Receive(40*time.Millisecond))
	// A shorter request arrives before the first deadline; it must not
	// truncate the longer one already scheduled.
	require.NoError(t, dev.Receive(10*time.Millisecond))

	time.Sleep(20 * time.Millisecond)
	require.True(t, d.ReceiveEnabled(), "shorter request must not truncate the longer deadline")

	time.Sleep(40 * time.Millisecond)
	require.False(t, d.ReceiveEnabled())
}

func TestReceiveNotSupportedWithoutController(t *testing.T) {
	dev := transport.NewDevice(noReceiveControl{}, nil)
	err := dev.Receive(time.Second)
	require.ErrorIs(t, err, transport.ErrNotSupported)
}

type noReceiveControl struct{}

func (noReceiveControl) InterfaceID() buffer.InterfaceID { return buffer.InterfaceDummy }
func (noReceiveControl) Send(*transport.Device, *buffer.Buffer) error { return nil }

func TestDispatchStopsOnFalseCallback(t *testing.T) {
	d := dummytransport.New(buffer.InterfaceDummy)
	handlerRan := false
	dev := transport.NewDevice(d, func(*transport.Device, *buffer.Buffer) {
		handlerRan = true
	})

	pool := buffer.NewPool(buffer.KindRX, 1, 64)
	buf := pool.Alloc(buffer.Forever, 0, 0)
	require.True(t, buf.Append([]byte("x")))

	unregister := dev.RegisterCallback(&transport.Callback{
		PacketReceived: func(*buffer.Buffer) bool { return false },
	})
	defer unregister()

	d.Inject(dev, buf)
	require.False(t, handlerRan)
	require.Equal(t, 1, pool.NumFree(), "buffer must be freed when a callback vetoes default handling")
}

func TestDispatchRunsHandlerWhenNoVeto(t *testing.T) {
	d := dummytransport.New(buffer.InterfaceDummy)
	var got []byte
	dev := transport.NewDevice(d, func(_ *transport.Device, buf *buffer.Buffer) {
		got = append([]byte(nil), buf.Bytes()...)
		buf.Free()
	})

	pool := buffer.NewPool(buffer.KindRX, 1, 64)
	buf := pool.Alloc(buffer.Forever, 0, 0)
	require.True(t, buf.Append([]byte("hi")))

	d.Inject(dev, buf)
	require.Equal(t, []byte("hi"), got)
}

func TestNotifyTxResultRunsTxDoneAndFailureCallbacks(t *testing.T) {
	d := dummytransport.New(buffer.InterfaceDummy)
	dev := transport.NewDevice(d, nil)

	var failureCalled bool
	dev.RegisterCallback(&transport.Callback{
		TxFailure: func(*buffer.Buffer) { failureCalled = true },
	})

	pool := buffer.NewPool(buffer.KindTX, 1, 64)
	buf := pool.Alloc(buffer.Forever, 0, 0)
	require.True(t, buf.Append([]byte("payload")))

	var doneResult error
	buf.TX.TxDone = func(result error, _ any) { doneResult = result }

	d.SendHook = func(dummytransport.SentFrame) error { return errRefused }
	err := dev.Send(buf)

	require.ErrorIs(t, err, errRefused)
	require.ErrorIs(t, doneResult, errRefused)
	require.True(t, failureCalled)
	require.Len(t, d.Sent(), 1)
	require.Equal(t, []byte("payload"), d.Sent()[0].Payload)
}

var errRefused = errRefusedType{}

type errRefusedType struct{}

func (errRefusedType) Error() string { return "dummy: refused" }
