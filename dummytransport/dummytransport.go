// Package dummytransport is an in-memory transport.Transport used by the
// transport, pipeline, handler, gateway and forward tests and by
// cmd/epacketd's demo mode. It has no
// concept of a wire: Send simply records the frame and notifies success
// (or a configured failure), and Inject delivers an RX-shaped buffer
// straight into a Device's callback/handler chain.
package dummytransport

import (
	"sync"

	"github.com/embeint/epacket/buffer"
	"github.com/embeint/epacket/transport"
)

// SentFrame is a snapshot of a buffer Send consumed: transports own the
// buffer exactly once, so nothing downstream can inspect the original
// *buffer.Buffer after it is freed back to its pool.
type SentFrame struct {
	Payload []byte
	TX      buffer.TXMeta
}

// Dummy is a Transport with interface id InterfaceDummy by default.
type Dummy struct {
	id buffer.InterfaceID

	mu             sync.Mutex
	sent           []SentFrame
	receiveEnabled bool
	maxPacketSize  int

	// SendHook, if set, is called for every Send before the frame is
	// recorded and the buffer freed; a non-nil return fails the send
	// and is what NotifyTxResult reports.
	SendHook func(frame SentFrame) error
}

// New constructs a Dummy with the given interface id (tests sometimes
// want more than one distinguishable dummy link, e.g. to model a BT
// backhaul plus a serial uplink side by side).
func New(id buffer.InterfaceID) *Dummy {
	return &Dummy{id: id, maxPacketSize: 512}
}

func (d *Dummy) InterfaceID() buffer.InterfaceID { return d.id }

// Send implements transport.Transport.
func (d *Dummy) Send(dev *transport.Device, buf *buffer.Buffer) error {
	frame := SentFrame{
		Payload: append([]byte(nil), buf.Bytes()...),
		TX:      buf.TX,
	}

	var err error
	if d.SendHook != nil {
		err = d.SendHook(frame)
	}

	d.mu.Lock()
	d.sent = append(d.sent, frame)
	d.mu.Unlock()

	dev.NotifyTxResult(buf, err)
	buf.Free()
	return err
}

// ReceiveCtrl implements transport.ReceiveController.
func (d *Dummy) ReceiveCtrl(enable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receiveEnabled = enable
	return nil
}

// MaxPacketSize implements transport.MaxPacketSizer. SetMaxPacketSize
// lets tests model a transport that is not currently connected (0).
func (d *Dummy) MaxPacketSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxPacketSize
}

func (d *Dummy) SetMaxPacketSize(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxPacketSize = n
}

// ReceiveEnabled reports the last value passed to ReceiveCtrl (or false
// before the first call), letting tests assert on transport.Device's
// receive-window scheduling without depending on its internals.
func (d *Dummy) ReceiveEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.receiveEnabled
}

// Sent returns every frame recorded by Send so far, in send order.
func (d *Dummy) Sent() []SentFrame {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SentFrame, len(d.sent))
	copy(out, d.sent)
	return out
}

// Inject delivers buf to dev as though it had just arrived over the
// wire, running the full callback/handler dispatch chain.
func (d *Dummy) Inject(dev *transport.Device, buf *buffer.Buffer) {
	buf.RX.Interface = d
	buf.RX.InterfaceID = d.id
	dev.Dispatch(buf)
}
