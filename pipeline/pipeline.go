// Package pipeline implements the single cooperative processing loop
// (optionally split into an RX-only and a combined loop) that services
// the RX/TX buffer FIFOs and the Bluetooth-advertising signal, per
// spec.md 4.D. It owns the tx_device side-table, the KEY_ID_REQ/
// RATE_LIMIT_REQ magic-byte handling, and the codec dispatch keyed by
// interface.
package pipeline

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/embeint/epacket/buffer"
	"github.com/embeint/epacket/codec"
	"github.com/embeint/epacket/transport"
)

// interfaceBinding is the per-interface codec variant the pipeline
// dispatches decryption to, keyed by buffer.InterfaceID.
type interfaceBinding struct {
	Device    *transport.Device
	Codec     *codec.Codec
	Versioned bool
	KeyTag    codec.InterfaceKeyTag
}

// Config bundles a Pipeline's fixed parameters.
type Config struct {
	// TXPool backs protocol-generated replies (KEY_IDS) the pipeline
	// itself allocates. It must be the same pool producers draw their
	// TX buffers from, since the tx_device side-table is sized to it.
	TXPool *buffer.Pool
	Keys   codec.KeyStore

	HeaderReserve int
	FooterReserve int

	RXQueueLen  int
	TXQueueLen  int
	MaxInterval time.Duration // watchdog-feed period
}

// Pipeline is one cooperative processing loop instance. Multiple
// Pipelines may share a Config's TXPool to implement the optional
// RX/TX split (spec.md 4.D): one instance services RX only, passing TX
// work to a sibling's TX channel via EnqueueTX, each with its own
// Watchdog channel.
type Pipeline struct {
	cfg Config

	rx    chan *buffer.Buffer
	tx    chan *buffer.Buffer
	btAdv chan struct{}

	// Watchdog is fed once per loop wake; the caller is responsible for
	// routing it to a hardware watchdog or a software WATCHDOG_EXPIRED
	// reboot path. Buffered by one so a feed never blocks the loop.
	Watchdog chan struct{}

	// BTAdvSend is invoked when the BT-adv signal fires; nil is a no-op
	// (useful on a pipeline instance with no BT_ADV interface bound).
	BTAdvSend func()

	mu        sync.RWMutex
	bindings  map[buffer.InterfaceID]*interfaceBinding
	txDevice  []*transport.Device // side-table, indexed by buffer.Index()

	Rate *RateLimiter

	keyIDMu        sync.Mutex
	keyIDLastReply time.Time
	// Now is overridable for deterministic rate-limit tests.
	Now func() time.Time
}

// New constructs a Pipeline. txDeviceSlots must be at least cfg.TXPool's
// buffer count (the side-table is sized once, like the pool it mirrors).
func New(cfg Config, txDeviceSlots int) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		rx:       make(chan *buffer.Buffer, cfg.RXQueueLen),
		tx:       make(chan *buffer.Buffer, cfg.TXQueueLen),
		btAdv:    make(chan struct{}, 1),
		Watchdog: make(chan struct{}, 1),
		bindings: make(map[buffer.InterfaceID]*interfaceBinding),
		txDevice: make([]*transport.Device, txDeviceSlots),
		Rate:     NewRateLimiter(),
		Now:      time.Now,
	}
}

// BindInterface registers the device and codec variant an interface
// dispatches RX decryption through. Must be called before EnqueueRX sees
// traffic from that interface.
func (p *Pipeline) BindInterface(id buffer.InterfaceID, dev *transport.Device, c *codec.Codec, versioned bool, tag codec.InterfaceKeyTag) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bindings[id] = &interfaceBinding{Device: dev, Codec: c, Versioned: versioned, KeyTag: tag}
}

func (p *Pipeline) binding(id buffer.InterfaceID) *interfaceBinding {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bindings[id]
}

// EnqueueRX hands a just-received buffer to the pipeline. Transports
// call this from their receive path. The queue holds cfg.RXQueueLen
// buffers; the send blocks while it is full.
func (p *Pipeline) EnqueueRX(buf *buffer.Buffer) {
	p.rx <- buf
}

// EnqueueTX hands buf to the pipeline for transmission via dev,
// recording the tx_device side-table entry before the buffer becomes
// visible to the TX loop.
func (p *Pipeline) EnqueueTX(dev *transport.Device, buf *buffer.Buffer) {
	p.txDevice[buf.Index()] = dev
	p.tx <- buf
}

// TXForTest exposes the TX channel directly, bypassing Run, so tests in
// other packages can assert on what a handler queued without spinning up
// the full loop.
func (p *Pipeline) TXForTest() <-chan *buffer.Buffer { return p.tx }

// SignalBTAdv requests the next "send a Bluetooth advertising frame"
// service call. Non-blocking: it is a single-slot semaphore, so a signal
// already pending is coalesced (spec.md 9 "one-bit cross-task
// notification").
func (p *Pipeline) SignalBTAdv() {
	select {
	case p.btAdv <- struct{}{}:
	default:
	}
}

// Run services the pipeline's sources until ctx is cancelled. Each wake
// handles at most one unit from whichever source fired, per spec.md 4.D;
// Go's select already picks pseudo-randomly among ready cases, so a hot
// source cannot starve the others.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.MaxInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case buf := <-p.rx:
			p.feedWatchdog()
			p.handleRX(buf)
		case buf := <-p.tx:
			p.feedWatchdog()
			p.handleTX(buf)
		case <-p.btAdv:
			p.feedWatchdog()
			if p.BTAdvSend != nil {
				p.BTAdvSend()
			}
		case <-ticker.C:
			p.feedWatchdog()
		}
	}
}

func (p *Pipeline) feedWatchdog() {
	select {
	case p.Watchdog <- struct{}{}:
	default:
	}
}

func (p *Pipeline) handleRX(buf *buffer.Buffer) {
	id := buf.RX.InterfaceID
	bind := p.binding(id)

	payload := buf.Bytes()
	switch {
	case len(payload) == 1 && payload[0] == codec.MagicKeyIDReq:
		p.handleKeyIDReq(bind, buf)
		return
	case len(payload) >= 1 && payload[0] == codec.MagicRateLimitReq:
		p.handleRateLimitReq(buf)
		return
	}

	if bind == nil {
		buf.Free()
		return
	}

	err := bind.Codec.Decrypt(buf, bind.Versioned, bind.KeyTag)
	if n, ok := bind.Device.Transport.(transport.DecryptResultNotifier); ok {
		n.DecryptResult(buf, err)
	}
	bind.Device.Dispatch(buf)
}

func (p *Pipeline) handleTX(buf *buffer.Buffer) {
	idx := buf.Index()
	dev := p.txDevice[idx]
	p.txDevice[idx] = nil

	buf.ReleaseFooterReserve()

	if dev == nil {
		buf.Free()
		return
	}
	_ = dev.Send(buf)
}

// handleKeyIDReq answers an unauthenticated KEY_ID_REQ with this node's
// device key id, rate-limited to one reply per wall-clock second
// (spec.md 4.D step 1).
func (p *Pipeline) handleKeyIDReq(bind *interfaceBinding, buf *buffer.Buffer) {
	buf.Free()
	if bind == nil {
		return
	}

	p.keyIDMu.Lock()
	now := p.Now()
	if !p.keyIDLastReply.IsZero() && now.Sub(p.keyIDLastReply) < time.Second {
		p.keyIDMu.Unlock()
		return
	}
	p.keyIDLastReply = now
	p.keyIDMu.Unlock()

	reply := p.cfg.TXPool.Alloc(buffer.NoWait, p.cfg.HeaderReserve, p.cfg.FooterReserve)
	if reply == nil {
		return // OUT_OF_BUFFERS: drop, matches alloc_* contract
	}

	var idBytes [4]byte
	binary.LittleEndian.PutUint32(idBytes[:], p.cfg.Keys.DeviceKeyID())
	reply.Append(idBytes[:])
	reply.TX.Type = uint8(codec.PacketKeyIDs)
	reply.TX.Auth = buffer.AuthNetwork
	reply.TX.DestinationAddress = buffer.AllPeers

	if err := bind.Codec.Encrypt(reply, bind.Versioned, bind.KeyTag); err != nil {
		reply.Free()
		return
	}

	p.EnqueueTX(bind.Device, reply)
}

// handleRateLimitReq parses a RATE_LIMIT_REQ payload and updates the
// shared rate-limit fields (spec.md 4.D step 2).
func (p *Pipeline) handleRateLimitReq(buf *buffer.Buffer) {
	defer buf.Free()

	payload := buf.Bytes()
	if len(payload) < 1 {
		return
	}
	delay, throughput, ok := parseRateLimitRequest(payload[1:])
	if !ok {
		return
	}
	if throughput > 0 {
		p.Rate.SetThroughput(throughput)
	} else {
		p.Rate.SetDelay(delay)
	}
}
