// Package gateway implements the gateway receive handler: Bluetooth-
// sourced packets are appended to a grouped RECEIVED_EPACKET backhaul
// frame instead of being handled locally, per spec.md 4.F.
package gateway

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/embeint/epacket/buffer"
	"github.com/embeint/epacket/codec"
	"github.com/embeint/epacket/handler"
	"github.com/embeint/epacket/pipeline"
	"github.com/embeint/epacket/transport"
)

// Handler is spec.md 4.F's gateway handler. One instance owns one
// outbound backhaul link; Default is the fallback for packets that did
// not arrive over a Bluetooth-flavoured interface.
type Handler struct {
	Default  *handler.Default
	Pipeline *pipeline.Pipeline

	// BackhaulPool is the pool RECEIVED_EPACKET storage buffers (and
	// outgoing RATE_LIMIT_REQ requests) are allocated from; spec.md models a
	// single process-wide TX pool, so this is typically the same pool
	// handler.Default.TXPool uses.
	BackhaulPool      *buffer.Pool
	BackhaulDevice    *transport.Device
	BackhaulCodec     *codec.Codec
	BackhaulVersioned bool
	BackhaulKeyTag    codec.InterfaceKeyTag

	// BTCentralDevice, if set, is the connected Bluetooth-central peer
	// the gateway asks to pause via RATE_LIMIT_REQ under backpressure.
	// RATE_LIMIT_REQ frames bypass the codec entirely (the receiving
	// pipeline inspects the magic byte before attempting decryption),
	// so no codec binding is needed for it.
	BTCentralDevice *transport.Device

	HoldWindow      time.Duration // <= 0 disables grouping: flush after every appendage
	LowWaterMargin  int
	RateLimitDelay  uint16 // ms requested of the BT-central peer under backpressure
	HeaderReserve   int
	FooterReserve   int

	// Rebooting reports the REBOOTING application-state interlock; nil
	// means never rebooting.
	Rebooting func() bool

	mu      sync.Mutex // guards pending + timer (spec.md 5's spinlock-guarded pending buffer)
	pending *buffer.Buffer
	timer   *time.Timer
}

// Handle implements transport.ReceiveHandler.
func (g *Handler) Handle(dev *transport.Device, buf *buffer.Buffer) {
	if g.Rebooting != nil && g.Rebooting() {
		buf.Free()
		return
	}

	if !isBTSourced(buf.RX.InterfaceID) {
		g.Default.Handle(dev, buf)
		return
	}

	g.forward(buf)
	g.maybeRequestBackpressure()
}

func (g *Handler) forward(buf *buffer.Buffer) {
	forceFlush := buf.RX.Auth != buffer.AuthFailure && codec.PacketType(buf.RX.Type) == codec.PacketRPCRsp
	appendage := encodeAppendage(buf)
	buf.Free()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending != nil && !g.pending.Append(appendage) {
		g.flushLocked()
	}
	if g.pending == nil {
		g.pending = g.newPendingLocked()
		g.pending.Append(appendage)
	}

	switch {
	case forceFlush:
		g.flushLocked()
	case g.HoldWindow <= 0:
		g.flushLocked()
	default:
		g.resetTimerLocked()
	}
}

func (g *Handler) newPendingLocked() *buffer.Buffer {
	buf := g.BackhaulPool.Alloc(buffer.Forever, g.HeaderReserve, g.FooterReserve)
	buf.TX.Type = uint8(codec.PacketReceivedEPacket)
	buf.TX.Auth = buffer.AuthDevice
	buf.TX.DestinationAddress = buffer.AllPeers
	if g.HoldWindow > 0 {
		g.timer = time.AfterFunc(g.HoldWindow, g.onHoldExpired)
	}
	return buf
}

func (g *Handler) resetTimerLocked() {
	if g.timer != nil {
		g.timer.Reset(g.HoldWindow)
	}
}

func (g *Handler) stopTimerLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

func (g *Handler) onHoldExpired() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.flushLocked()
}

// flushLocked encrypts and queues the pending backhaul buffer. Callers
// must hold g.mu.
func (g *Handler) flushLocked() {
	if g.pending == nil {
		return
	}
	buf := g.pending
	g.pending = nil
	g.stopTimerLocked()

	if err := g.BackhaulCodec.Encrypt(buf, g.BackhaulVersioned, g.BackhaulKeyTag); err != nil {
		buf.Free()
		return
	}
	g.Pipeline.EnqueueTX(g.BackhaulDevice, buf)
}

// Flush forces any pending grouped buffer out immediately; exposed for
// tests and for an application-level shutdown/reboot hook.
func (g *Handler) Flush() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.flushLocked()
}

// maybeRequestBackpressure asks the connected Bluetooth-central peer to
// pause when the shared TX pool is running low (spec.md 4.F).
func (g *Handler) maybeRequestBackpressure() {
	if g.BTCentralDevice == nil {
		return
	}
	if g.BackhaulPool.NumFree() > g.LowWaterMargin {
		return
	}

	buf := g.BackhaulPool.Alloc(buffer.NoWait, g.HeaderReserve, g.FooterReserve)
	if buf == nil {
		return
	}

	var payload [3]byte
	payload[0] = codec.MagicRateLimitReq
	binary.LittleEndian.PutUint16(payload[1:], g.RateLimitDelay) // kind bit clear: delay_ms
	buf.Append(payload[:])
	buf.TX.DestinationAddress = buffer.AllPeers

	g.Pipeline.EnqueueTX(g.BTCentralDevice, buf)
}
