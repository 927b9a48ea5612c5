// Package forward implements the FORWARD and FORWARD_AUTO_CONN packet
// types (spec.md 4.G): relaying a fully-framed ePacket to another
// interface, either directly (destination already reachable) or behind
// a Bluetooth auto-connect state machine the engine drives itself.
package forward

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/embeint/epacket/buffer"
	"github.com/embeint/epacket/codec"
	"github.com/embeint/epacket/pipeline"
	"github.com/embeint/epacket/transport"
)

// directAllocWait is the short bounded wait spec.md 4.G's FORWARD step
// calls for when allocating the outgoing TX buffer, rather than failing
// immediately under momentary pool pressure.
const directAllocWait = 10 * time.Millisecond

// Job is one FORWARD_AUTO_CONN request queued for the engine's single
// processing goroutine, carrying everything needed to establish the
// connection and forward the embedded frame without re-touching the RX
// buffer it was parsed from.
type Job struct {
	ID       uuid.UUID
	Header   autoConnHeader
	Payload  []byte // already-framed ePacket bytes to relay once READY
	Backhaul *transport.Device
}

// Engine drives every FORWARD_AUTO_CONN connection through the
// IDLE->...->READY->...->TERMINATED state machine from a single
// goroutine (Run), and forwards direct FORWARD packets inline since
// those need no state at all.
type Engine struct {
	Pool      *buffer.Pool
	Codec     *codec.Codec
	Versioned bool
	KeyTag    codec.InterfaceKeyTag
	Pipeline  *pipeline.Pipeline
	Registry  Registry
	Connector Connector

	// AttemptLimiter, if set, gates new connection attempts per remote
	// address before Connector.Connect is invoked.
	AttemptLimiter *AttemptLimiter

	// PrioritiseUplink, if set, is invoked whenever a connection's
	// HIGH_PRIORITY_UPLINK state (spec.md 4.G, FlagPrioritiseUplink)
	// changes.
	PrioritiseUplink func(addr buffer.BTAddress, active bool)

	Log *slog.Logger

	jobs chan *Job

	mu    sync.Mutex
	conns map[buffer.BTAddress]*Connection
}

// NewEngine constructs an Engine with a bounded job queue; queueLen
// should cover the expected number of concurrent auto-connect setups.
func NewEngine(queueLen int) *Engine {
	return &Engine{
		jobs:  make(chan *Job, queueLen),
		conns: make(map[buffer.BTAddress]*Connection),
	}
}

func (e *Engine) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// Handle is a transport.ReceiveHandler: it dispatches FORWARD inline and
// queues FORWARD_AUTO_CONN for the engine's Run loop. Any other packet
// type is freed and ignored.
func (e *Engine) Handle(dev *transport.Device, buf *buffer.Buffer) {
	switch codec.PacketType(buf.RX.Type) {
	case codec.PacketForward:
		e.handleDirect(dev, buf)
	case codec.PacketForwardAutoConn:
		e.handleAutoConn(dev, buf)
	default:
		buf.Free()
	}
}

func (e *Engine) handleDirect(dev *transport.Device, buf *buffer.Buffer) {
	defer buf.Free()

	if buf.RX.Auth != buffer.AuthDevice && buf.RX.Auth != buffer.AuthNetwork {
		e.logger().Warn("forward: rejecting unauthenticated direct forward")
		return
	}

	h, payload, err := parseDirectHeader(buf.Bytes())
	if err != nil {
		e.logger().Warn("forward: short direct forward frame", "err", err)
		return
	}

	dest := e.Registry.Lookup(h.Interface)
	if dest == nil {
		e.logger().Warn("forward: no route to interface", "interface", h.Interface)
		return
	}
	if mtu := dest.MaxPacketSize(); mtu != 0 && mtu < len(payload) {
		e.logger().Warn("forward: destination MTU too small", "interface", h.Interface)
		return
	}

	out := e.Pool.Alloc(directAllocWait, 0, 0)
	if out == nil {
		return
	}
	if !out.Append(payload) {
		out.Free()
		return
	}
	out.TX.Auth = buffer.AuthRemoteEncrypted
	out.TX.DestinationAddress = buffer.Address{BT: h.Address}
	e.Pipeline.EnqueueTX(dest, out)
}

func (e *Engine) handleAutoConn(dev *transport.Device, buf *buffer.Buffer) {
	defer buf.Free()

	if buf.RX.Auth != buffer.AuthDevice && buf.RX.Auth != buffer.AuthNetwork {
		e.logger().Warn("forward: rejecting unauthenticated auto-connect forward")
		return
	}

	h, payload, err := parseAutoConnHeader(buf.Bytes())
	if err != nil {
		e.logger().Warn("forward: short auto-connect forward frame", "err", err)
		return
	}

	job := &Job{
		ID:       uuid.New(),
		Header:   h,
		Payload:  append([]byte(nil), payload...),
		Backhaul: dev,
	}

	select {
	case e.jobs <- job:
	default:
		e.logger().Warn("forward: job queue full, dropping auto-connect request", "address", h.Address)
	}
}

// Submit queues a job directly, bypassing Handle's decode step. Exposed
// for tests and for callers that construct a Job themselves.
func (e *Engine) Submit(job *Job) { e.jobs <- job }

// Run processes queued jobs one at a time until ctx is cancelled. One
// job's connection setup (including the blocking Connector.Connect)
// completes before the next job is considered, matching the
// single-threaded processing discipline used throughout this module.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-e.jobs:
			e.process(ctx, job)
		}
	}
}

func (e *Engine) existing(addr buffer.BTAddress) *Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[addr]
}

func (e *Engine) process(ctx context.Context, job *Job) {
	if conn := e.existing(job.Header.Address); conn != nil && conn.getState() == StateReady {
		e.sendOnConnection(conn, job.Payload)
		return
	}

	if e.AttemptLimiter != nil && !e.AttemptLimiter.Allow(job.Header.Address) {
		e.logger().Warn("forward: connect attempt rate-limited", "address", job.Header.Address)
		conn := &Connection{Address: job.Header.Address, state: StateConnecting}
		e.mu.Lock()
		e.conns[job.Header.Address] = conn
		e.mu.Unlock()
		e.teardown(job, conn, ReasonConnectFailed)
		return
	}

	e.establish(ctx, job)
}

func (e *Engine) establish(ctx context.Context, job *Job) {
	addr := job.Header.Address
	conn := &Connection{Address: addr, state: StateConnecting}

	e.mu.Lock()
	e.conns[addr] = conn
	e.mu.Unlock()

	dev, err := e.Connector.Connect(ctx, addr)
	if err != nil {
		e.logger().Warn("forward: connect failed", "address", addr, "err", err)
		e.teardown(job, conn, ReasonConnectFailed)
		return
	}
	conn.Device = dev
	conn.setState(StateSecurityRead)

	if job.Header.Flags.Has(FlagSubData) {
		conn.setState(StateSubscribing)
		if err := e.Connector.SubscribeData(ctx, dev); err != nil {
			e.logger().Warn("forward: subscribe failed", "address", addr, "err", err)
			_ = e.Connector.Disconnect(dev)
			e.teardown(job, conn, ReasonSubscribeFailed)
			return
		}
	}

	conn.setState(StateReady)

	if mtu := dev.MaxPacketSize(); mtu != 0 && mtu < len(job.Payload) {
		e.logger().Warn("forward: destination MTU too small after connect", "address", addr)
		_ = e.Connector.Disconnect(dev)
		e.teardown(job, conn, ReasonInsufficientPacketSize)
		return
	}

	conn.configureTimers(job.Header.ConnIdleTimeout, job.Header.ConnAbsoluteTimeout, func(reason DisconnectReason) {
		_ = e.Connector.Disconnect(dev)
		e.teardown(job, conn, reason)
	})

	idle := job.Header.ConnIdleTimeout
	singleRPC := job.Header.Flags.Has(FlagSingleRPC)
	prioritise := job.Header.Flags.Has(FlagPrioritiseUplink)
	if idle > 0 || singleRPC || prioritise {
		if prioritise && e.PrioritiseUplink != nil {
			e.PrioritiseUplink(addr, true)
		}
		conn.unregister = dev.RegisterCallback(&transport.Callback{
			PacketReceived: func(rxBuf *buffer.Buffer) bool {
				if idle > 0 {
					conn.refreshIdle(idle)
				}
				if singleRPC && codec.PacketType(rxBuf.RX.Type) == codec.PacketRPCRsp {
					_ = e.Connector.Disconnect(dev)
					e.teardown(job, conn, ReasonSingleRPCComplete)
				}
				return true
			},
		})
	}

	e.sendOnConnection(conn, job.Payload)
}

func (e *Engine) sendOnConnection(conn *Connection, payload []byte) {
	out := e.Pool.Alloc(buffer.NoWait, 0, 0)
	if out == nil {
		return
	}
	if !out.Append(payload) {
		out.Free()
		return
	}
	out.TX.Auth = buffer.AuthRemoteEncrypted
	e.Pipeline.EnqueueTX(conn.Device, out)
}

// teardown moves conn to TERMINATED, removes it from the engine's table
// and, when FlagDCNotification was set, emits a CONN_TERMINATED packet
// back over the originating backhaul (spec.md 4.G, 8 scenario 6).
func (e *Engine) teardown(job *Job, conn *Connection, reason DisconnectReason) {
	conn.setState(StateDisconnecting)
	if conn.unregister != nil {
		conn.unregister()
	}
	conn.clearTimers()
	if !conn.markTerminated() {
		// Already torn down by a racing timer/callback; avoid emitting a
		// second CONN_TERMINATED for the same connection.
		return
	}

	e.mu.Lock()
	delete(e.conns, job.Header.Address)
	e.mu.Unlock()

	if job.Header.Flags.Has(FlagPrioritiseUplink) && e.PrioritiseUplink != nil {
		e.PrioritiseUplink(job.Header.Address, false)
	}

	if !job.Header.Flags.Has(FlagDCNotification) {
		return
	}
	e.notifyTerminated(job, reason)
}

func (e *Engine) notifyTerminated(job *Job, reason DisconnectReason) {
	if job.Backhaul == nil {
		return
	}
	out := e.Pool.Alloc(buffer.NoWait, 0, 0)
	if out == nil {
		return
	}
	if !out.Append(encodeConnTerminated(job.Header.Address, reason)) {
		out.Free()
		return
	}
	out.TX.Type = uint8(codec.PacketConnTerminated)
	out.TX.Auth = buffer.AuthNetwork
	out.TX.DestinationAddress = buffer.AllPeers
	if e.Codec != nil {
		if err := e.Codec.Encrypt(out, e.Versioned, e.KeyTag); err != nil {
			e.logger().Warn("forward: failed to encrypt CONN_TERMINATED", "err", err)
			out.Free()
			return
		}
	}
	e.Pipeline.EnqueueTX(job.Backhaul, out)
}
