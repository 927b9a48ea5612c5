// Package udpiface implements the UDP interface's protocol-level
// contract layered over a socket (spec.md 6): outbound frames carry the
// unversioned V0 layout, a periodic ACK_REQUEST flag with an
// unanswered-request countdown that forces a socket close and DNS
// requery, and an optional downlink watchdog that reboots the device if
// no authenticated downlink arrives within a configured window. The
// actual socket, DNS and bind mechanics are external collaborators:
// this package is driven entirely through an injected net.PacketConn,
// never dialling or resolving one itself.
package udpiface

import (
	"net"
	"sync"
	"time"

	"github.com/embeint/epacket/buffer"
	"github.com/embeint/epacket/codec"
	"github.com/embeint/epacket/transport"
)

// AckState tracks the periodic ACK_REQUEST contract and the downlink
// watchdog window, independent of any concrete socket.
type AckState struct {
	AckPeriod      time.Duration
	AckCountdown   int           // unanswered requests that trigger a reconnect (the Nth one reconnects)
	WatchdogPeriod time.Duration // 0 disables the downlink watchdog

	// Now is overridable for deterministic tests.
	Now func() time.Time

	mu                  sync.Mutex
	up                  bool
	nextAckDue          time.Time
	remainingCountdown  int
	lastAuthedDownlink  time.Time
}

func (s *AckState) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Open marks the interface up and arms both timers from the current
// time, called once the socket is established (or re-established).
func (s *AckState) Open() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.up = true
	s.nextAckDue = now.Add(s.AckPeriod)
	s.remainingCountdown = s.AckCountdown
	s.lastAuthedDownlink = now
}

// Close marks the interface down; CheckWatchdog becomes a no-op until
// the next Open.
func (s *AckState) Close() {
	s.mu.Lock()
	s.up = false
	s.mu.Unlock()
}

// NextTXFlags reports whether the packet about to be built should carry
// FlagAckRequest, consuming the due request if so. Producers call this
// before constructing a UDP-bound TX buffer, ORing the result into
// buf.TX.Flags ahead of the codec's Encrypt call (spec.md 6 "the sender
// sets an ACK_REQUEST flag on the next packet").
func (s *AckState) NextTXFlags() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.up {
		return 0
	}
	now := s.now()
	if now.Before(s.nextAckDue) {
		return 0
	}
	s.nextAckDue = now.Add(s.AckPeriod)
	return codec.FlagAckRequest
}

// NotifyAckRequestSent is called once a packet carrying FlagAckRequest
// has actually been handed to the socket. It decrements the
// unanswered-request countdown; reaching zero reports that a reconnect
// is required (spec.md 6 "reaching zero closes the socket and forces a
// DNS requery") and rearms the countdown for the new connection.
func (s *AckState) NotifyAckRequestSent() (reconnectRequired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remainingCountdown--
	if s.remainingCountdown <= 0 {
		s.remainingCountdown = s.AckCountdown
		s.up = false
		return true
	}
	return false
}

// NotifyDownlink answers any outstanding ACK_REQUEST and refreshes the
// downlink watchdog window. Called on every successfully decrypted,
// authenticated RX frame from this interface.
func (s *AckState) NotifyDownlink() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remainingCountdown = s.AckCountdown
	s.lastAuthedDownlink = s.now()
}

// CheckWatchdog invokes reboot if the interface is up, a watchdog period
// is configured, and no authenticated downlink has arrived within it.
// Intended to be polled from the same cadence the pipeline's own
// watchdog feed runs at.
func (s *AckState) CheckWatchdog(reboot func(reason string)) {
	s.mu.Lock()
	up := s.up
	expired := up && s.WatchdogPeriod > 0 && s.now().Sub(s.lastAuthedDownlink) >= s.WatchdogPeriod
	s.mu.Unlock()
	if expired && reboot != nil {
		reboot("udpiface: downlink watchdog expired")
	}
}

// Transport is a minimal transport.Transport over an injected
// net.PacketConn, applying AckState's bookkeeping around each send and
// feeding NotifyDownlink from decrypt results. Reconnect is invoked
// (synchronously, from Send) when the ACK countdown expires; it is
// expected to close the stale conn, requery DNS, and install fresh
// Conn/Remote values before returning.
type Transport struct {
	mu     sync.RWMutex
	Conn   net.PacketConn
	Remote net.Addr

	Ack       *AckState
	Reconnect func() (net.PacketConn, net.Addr, error)

	maxSize int
}

// NewTransport wraps conn/remote with fresh ACK/watchdog state.
func NewTransport(conn net.PacketConn, remote net.Addr, ack *AckState, maxSize int) *Transport {
	t := &Transport{Conn: conn, Remote: remote, Ack: ack, maxSize: maxSize}
	ack.Open()
	return t
}

func (t *Transport) InterfaceID() buffer.InterfaceID { return buffer.InterfaceUDP }

// MaxPacketSize implements transport.MaxPacketSizer.
func (t *Transport) MaxPacketSize() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.maxSize
}

// DecryptResult implements transport.DecryptResultNotifier.
func (t *Transport) DecryptResult(buf *buffer.Buffer, err error) {
	if err == nil && buf.RX.Auth != buffer.AuthFailure {
		t.Ack.NotifyDownlink()
	}
}

// Send implements transport.Transport: it writes buf's bytes to the
// current remote address, then runs the ACK countdown, reconnecting via
// Reconnect if it just expired.
func (t *Transport) Send(dev *transport.Device, buf *buffer.Buffer) error {
	t.mu.RLock()
	conn, remote := t.Conn, t.Remote
	t.mu.RUnlock()

	_, err := conn.WriteTo(buf.Bytes(), remote)

	ackRequested := buf.TX.Flags&codec.FlagAckRequest != 0
	dev.NotifyTxResult(buf, err)
	buf.Free()

	if ackRequested && err == nil {
		if t.Ack.NotifyAckRequestSent() && t.Reconnect != nil {
			_ = conn.Close()
			if newConn, newRemote, rerr := t.Reconnect(); rerr == nil {
				t.mu.Lock()
				t.Conn, t.Remote = newConn, newRemote
				t.mu.Unlock()
				t.Ack.Open()
			}
		}
	}
	return err
}
