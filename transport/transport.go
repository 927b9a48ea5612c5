// Package transport defines the contract every ePacket link (serial,
// Bluetooth advertising/GATT, UDP, or a test double) implements, and the
// common per-device bookkeeping the pipeline drives every transport
// through: callback registration, receive-window scheduling and
// tx-result notification.
package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/embeint/epacket/buffer"
)

// ErrNotSupported is returned by Receive when the underlying transport
// does not implement ReceiveController.
var ErrNotSupported = errors.New("transport: receive control not supported")

// Transport is the contract a link driver must satisfy. Send consumes
// buf: the implementation must eventually call Device.NotifyTxResult and
// drop its reference, on every code path including failure.
type Transport interface {
	buffer.Interface
	Send(dev *Device, buf *buffer.Buffer) error
}

// ReceiveController is an optional capability: transports without a
// concept of "currently listening" (e.g. UDP, always receiving) need not
// implement it.
type ReceiveController interface {
	ReceiveCtrl(enable bool) error
}

// MaxPacketSizer is an optional capability exposing a dynamic MTU. A
// zero return means "not currently connected".
type MaxPacketSizer interface {
	MaxPacketSize() int
}

// DecryptResultNotifier lets a transport observe every decrypt outcome
// for its own per-transport accounting (BT GATT watchdog feed, UDP
// ACK-countdown reset).
type DecryptResultNotifier interface {
	DecryptResult(buf *buffer.Buffer, err error)
}

// Callback is a set of hooks a consumer can register against a Device.
// PacketReceived returning false suppresses the interface's default
// receive handler for that packet (spec.md 4.D step 5); InterfaceState
// is a hook for connectivity transitions, which no code in this module
// invokes.
type Callback struct {
	TxFailure      func(buf *buffer.Buffer)
	PacketReceived func(buf *buffer.Buffer) bool
	InterfaceState func(up bool)
}

// ReceiveHandler processes a buffer that survived every registered
// PacketReceived callback. The default handler (package handler) and the
// gateway handler (package gateway) are the two ReceiveHandler
// implementations spec.md defines.
type ReceiveHandler func(dev *Device, buf *buffer.Buffer)

// Device is the common state every transport instance carries,
// regardless of the concrete link below it: registered callbacks, the
// receive-window deadline and the handler packets are dispatched to once
// they clear the callback chain. One Device exists per physical or
// logical connection a transport manages (e.g. one per BT central
// connection, one for the whole serial link).
type Device struct {
	Transport Transport

	handler struct {
		sync.RWMutex
		current ReceiveHandler
	}

	callbacks struct {
		sync.Mutex
		list []*Callback
	}

	recv struct {
		mu       sync.Mutex
		timer    *time.Timer
		deadline time.Time // zero means "not scheduled"
		enabled  bool
	}
}

// NewDevice wraps a Transport with fresh common state. handler is the
// interface's current receive handler (spec.md calls this "the
// interface's current receive handler"); it may be changed later with
// SetReceiveHandler (e.g. a gateway transport swapping to its own
// handler after backhaul negotiation).
func NewDevice(t Transport, handler ReceiveHandler) *Device {
	d := &Device{Transport: t}
	d.handler.current = handler
	return d
}

// SetReceiveHandler replaces the handler packets are dispatched to.
func (d *Device) SetReceiveHandler(h ReceiveHandler) {
	d.handler.Lock()
	defer d.handler.Unlock()
	d.handler.current = h
}

func (d *Device) receiveHandler() ReceiveHandler {
	d.handler.RLock()
	defer d.handler.RUnlock()
	return d.handler.current
}

// RegisterCallback adds cb to the set invoked on every received packet
// and tx failure. The returned function unregisters it; it is safe to
// call concurrently with dispatch (Dispatch takes a defensive copy of
// the slice before iterating, per spec.md's "safe against concurrent
// unregistration" requirement).
func (d *Device) RegisterCallback(cb *Callback) (unregister func()) {
	d.callbacks.Lock()
	d.callbacks.list = append(d.callbacks.list, cb)
	d.callbacks.Unlock()

	return func() {
		d.callbacks.Lock()
		defer d.callbacks.Unlock()
		for i, c := range d.callbacks.list {
			if c == cb {
				d.callbacks.list = append(d.callbacks.list[:i], d.callbacks.list[i+1:]...)
				return
			}
		}
	}
}

func (d *Device) snapshotCallbacks() []*Callback {
	d.callbacks.Lock()
	defer d.callbacks.Unlock()
	out := make([]*Callback, len(d.callbacks.list))
	copy(out, d.callbacks.list)
	return out
}

// Dispatch runs every registered PacketReceived callback against buf. If
// any returns false, the default handler is skipped and the buffer
// freed; otherwise the interface's current ReceiveHandler runs. This is
// spec.md 4.D step 5, factored out of the pipeline since every transport
// shares it verbatim.
func (d *Device) Dispatch(buf *buffer.Buffer) {
	for _, cb := range d.snapshotCallbacks() {
		if cb.PacketReceived == nil {
			continue
		}
		if !cb.PacketReceived(buf) {
			buf.Free()
			return
		}
	}

	if h := d.receiveHandler(); h != nil {
		h(d, buf)
		return
	}
	buf.Free()
}

// NotifyTxResult is called by a transport once Send has concluded: it
// runs the buffer's own TxDone hook, and on failure (rc != nil) every
// registered TxFailure callback, per spec.md 4.C.
func (d *Device) NotifyTxResult(buf *buffer.Buffer, rc error) {
	if buf.TX.TxDone != nil {
		buf.TX.TxDone(rc, buf.TX.TxDoneUserData)
	}
	if rc != nil {
		for _, cb := range d.snapshotCallbacks() {
			if cb.TxFailure != nil {
				cb.TxFailure(buf)
			}
		}
	}
}

// Receive implements epacket_receive(dev, timeout) (spec.md 4.C):
//   - buffer.NoWait disables reception immediately.
//   - buffer.Forever enables it with no scheduled disable.
//   - any other (positive) duration enables it and schedules a disable
//     at now+timeout; a later call reschedules to the larger of the
//     current and newly requested absolute deadline, so a shorter
//     request never truncates a longer one already in flight.
//
// Returns ErrNotSupported if the transport has no ReceiveController.
func (d *Device) Receive(timeout time.Duration) error {
	rc, ok := d.Transport.(ReceiveController)
	if !ok {
		return ErrNotSupported
	}

	d.recv.mu.Lock()
	defer d.recv.mu.Unlock()

	switch {
	case timeout == buffer.NoWait:
		d.stopTimerLocked()
		d.recv.deadline = time.Time{}
		if d.recv.enabled {
			d.recv.enabled = false
			return rc.ReceiveCtrl(false)
		}
		return nil

	case timeout == buffer.Forever:
		d.stopTimerLocked()
		d.recv.deadline = time.Time{}
		already := d.recv.enabled
		d.recv.enabled = true
		if already {
			return nil
		}
		return rc.ReceiveCtrl(true)

	default:
		requested := time.Now().Add(timeout)
		if requested.Before(d.recv.deadline) {
			requested = d.recv.deadline
		}
		d.recv.deadline = requested
		d.stopTimerLocked()
		d.recv.timer = time.AfterFunc(time.Until(requested), d.onDeadline)

		already := d.recv.enabled
		d.recv.enabled = true
		if already {
			return nil
		}
		return rc.ReceiveCtrl(true)
	}
}

func (d *Device) stopTimerLocked() {
	if d.recv.timer != nil {
		d.recv.timer.Stop()
		d.recv.timer = nil
	}
}

func (d *Device) onDeadline() {
	d.recv.mu.Lock()
	defer d.recv.mu.Unlock()
	if !d.recv.enabled {
		return
	}
	d.recv.enabled = false
	d.recv.deadline = time.Time{}
	if rc, ok := d.Transport.(ReceiveController); ok {
		_ = rc.ReceiveCtrl(false)
	}
}

// MaxPacketSize queries the transport's dynamic MTU, or 0 if it does not
// implement MaxPacketSizer (treated as "not currently connected").
func (d *Device) MaxPacketSize() int {
	if m, ok := d.Transport.(MaxPacketSizer); ok {
		return m.MaxPacketSize()
	}
	return 0
}

// Send forwards to the underlying transport. Callers must not touch buf
// again afterwards: ownership has transferred per the Transport
// contract.
func (d *Device) Send(buf *buffer.Buffer) error {
	return d.Transport.Send(d, buf)
}
