package udpiface_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/embeint/epacket/buffer"
	"github.com/embeint/epacket/codec"
	"github.com/embeint/epacket/transport"
	"github.com/embeint/epacket/udpiface"
)

// fakePacketConn is a minimal net.PacketConn that records writes.
type fakePacketConn struct {
	writes [][]byte
	closed bool
}

func (f *fakePacketConn) ReadFrom(p []byte) (int, net.Addr, error) { return 0, nil, net.ErrClosed }
func (f *fakePacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	f.writes = append(f.writes, append([]byte(nil), p...))
	return len(p), nil
}
func (f *fakePacketConn) Close() error                       { f.closed = true; return nil }
func (f *fakePacketConn) LocalAddr() net.Addr                 { return &net.UDPAddr{} }
func (f *fakePacketConn) SetDeadline(t time.Time) error       { return nil }
func (f *fakePacketConn) SetReadDeadline(t time.Time) error   { return nil }
func (f *fakePacketConn) SetWriteDeadline(t time.Time) error  { return nil }

func TestAckStateRequestsPeriodically(t *testing.T) {
	now := time.Unix(1000, 0)
	ack := &udpiface.AckState{AckPeriod: time.Minute, AckCountdown: 3, Now: func() time.Time { return now }}
	ack.Open()

	require.Zero(t, ack.NextTXFlags(), "no request due immediately after Open")

	now = now.Add(time.Minute)
	require.Equal(t, codec.FlagAckRequest, ack.NextTXFlags())
	require.Zero(t, ack.NextTXFlags(), "consumed; not due again until another period elapses")
}

func TestAckStateCountdownForcesReconnect(t *testing.T) {
	now := time.Unix(2000, 0)
	ack := &udpiface.AckState{AckPeriod: time.Second, AckCountdown: 2, Now: func() time.Time { return now }}
	ack.Open()

	require.False(t, ack.NotifyAckRequestSent())
	require.True(t, ack.NotifyAckRequestSent(), "second unanswered request hits the countdown")
}

func TestAckStateDownlinkResetsCountdownAndWatchdog(t *testing.T) {
	now := time.Unix(3000, 0)
	ack := &udpiface.AckState{AckPeriod: time.Second, AckCountdown: 2, WatchdogPeriod: time.Minute, Now: func() time.Time { return now }}
	ack.Open()

	require.False(t, ack.NotifyAckRequestSent())
	now = now.Add(45 * time.Second)
	ack.NotifyDownlink()
	require.False(t, ack.NotifyAckRequestSent(), "countdown was refreshed by the downlink")

	now = now.Add(45 * time.Second) // 90s after Open, 45s after the downlink
	called := false
	ack.CheckWatchdog(func(string) { called = true })
	require.False(t, called, "watchdog window was refreshed by the downlink")
}

func TestAckStateWatchdogExpires(t *testing.T) {
	now := time.Unix(4000, 0)
	ack := &udpiface.AckState{WatchdogPeriod: time.Minute, Now: func() time.Time { return now }}
	ack.Open()

	var reason string
	ack.CheckWatchdog(func(r string) { reason = r })
	require.Empty(t, reason)

	now = now.Add(2 * time.Minute)
	ack.CheckWatchdog(func(r string) { reason = r })
	require.NotEmpty(t, reason)
}

func TestAckStateWatchdogSkippedWhenDown(t *testing.T) {
	now := time.Unix(5000, 0)
	ack := &udpiface.AckState{WatchdogPeriod: time.Second, Now: func() time.Time { return now }}
	ack.Open()
	ack.Close()

	now = now.Add(time.Hour)
	called := false
	ack.CheckWatchdog(func(r string) { called = true })
	require.False(t, called)
}

func TestTransportSendRunsAckCountdownAndReconnects(t *testing.T) {
	now := time.Unix(6000, 0)
	ack := &udpiface.AckState{AckPeriod: time.Second, AckCountdown: 1, Now: func() time.Time { return now }}

	conn := &fakePacketConn{}
	remote := &net.UDPAddr{Port: 4242}
	reconnected := false
	newConn := &fakePacketConn{}

	tr := udpiface.NewTransport(conn, remote, ack, 508)
	tr.Reconnect = func() (net.PacketConn, net.Addr, error) {
		reconnected = true
		return newConn, remote, nil
	}

	dev := transport.NewDevice(tr, nil)

	pool := buffer.NewPool(buffer.KindTX, 2, 512)
	buf := pool.Alloc(buffer.NoWait, 0, 0)
	require.True(t, buf.Append([]byte("frame-bytes")))
	buf.TX.Flags = codec.FlagAckRequest

	require.NoError(t, tr.Send(dev, buf))

	require.Len(t, conn.writes, 1)
	require.True(t, conn.closed, "single-countdown AckState must close the stale conn on expiry")
	require.True(t, reconnected)
	require.Equal(t, 508, tr.MaxPacketSize())
}

func TestTransportDecryptResultFeedsDownlinkWatchdog(t *testing.T) {
	now := time.Unix(7000, 0)
	ack := &udpiface.AckState{WatchdogPeriod: time.Minute, Now: func() time.Time { return now }}
	conn := &fakePacketConn{}
	tr := udpiface.NewTransport(conn, &net.UDPAddr{}, ack, 508)

	now = now.Add(30 * time.Second)
	pool := buffer.NewPool(buffer.KindRX, 1, 64)
	buf := pool.Alloc(buffer.Forever, 0, 0)
	buf.RX.Auth = buffer.AuthNetwork
	tr.DecryptResult(buf, nil)
	buf.Free()

	now = now.Add(45 * time.Second) // 75s total, inside the refreshed 60s window from the decrypt at 30s
	called := false
	ack.CheckWatchdog(func(r string) { called = true })
	require.False(t, called)
}
