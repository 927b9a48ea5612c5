// Package serial implements the streaming frame reconstructor layered
// over a serial byte stream (spec.md 6): a 4-byte prefix of two sync
// bytes and a little-endian u16 payload length, wrapping each encrypted
// frame. It is pure framing logic — UART hardware access is an external
// collaborator — so it is driven by Feed, not an io.Reader, matching how
// a real driver would hand it bytes from an interrupt-context receive
// callback.
package serial

import (
	"github.com/embeint/epacket/buffer"
)

const (
	syncByte1 = 0xD5
	syncByte2 = 0xCA
	// PrefixLen is the sync-bytes-plus-length prefix size.
	PrefixLen = 4
)

type state uint8

const (
	stateSync1 state = iota
	stateSync2
	stateLenLo
	stateLenHi
	statePayload
	stateDiscard
)

// Reconstructor accumulates serial bytes fed via Feed into complete
// RX-shaped buffers. It holds no goroutine of its own; Feed is meant to
// be called synchronously from whatever delivers bytes (a UART RX
// interrupt, a test, a mock transport).
type Reconstructor struct {
	pool          *buffer.Pool
	maxPayload    int
	headerReserve int
	footerReserve int

	st        state
	lenLo     byte
	remaining int
	buf       *buffer.Buffer
}

// New constructs a Reconstructor. maxPayload bounds the accepted frame
// length (the pool's buffers must be able to hold at least this many
// bytes after header/footer reservation); longer declared lengths are
// discarded while the parser resyncs (spec.md 6, 8 boundary behaviour).
func New(pool *buffer.Pool, maxPayload, headerReserve, footerReserve int) *Reconstructor {
	return &Reconstructor{
		pool:          pool,
		maxPayload:    maxPayload,
		headerReserve: headerReserve,
		footerReserve: footerReserve,
	}
}

// Feed processes an arbitrary chunk of freshly received bytes, returning
// every buffer fully assembled as a result (usually zero or one, but a
// chunk spanning several short frames can complete more than one).
// Buffer allocation is non-blocking: if the pool is exhausted when a
// frame's length is known, that frame's bytes are discarded rather than
// blocking the caller, per the non-blocking-in-interrupt-context
// contract (spec.md 5).
func (r *Reconstructor) Feed(chunk []byte) []*buffer.Buffer {
	var done []*buffer.Buffer

	for _, b := range chunk {
		switch r.st {
		case stateSync1:
			if b == syncByte1 {
				r.st = stateSync2
			}

		case stateSync2:
			switch b {
			case syncByte2:
				r.st = stateLenLo
			case syncByte1:
				// stays in stateSync2: this byte is the new sync1 candidate
			default:
				r.st = stateSync1
			}

		case stateLenLo:
			r.lenLo = b
			r.st = stateLenHi

		case stateLenHi:
			length := int(b)<<8 | int(r.lenLo)
			switch {
			case length == 0:
				// invalid: reset and keep scanning for the next frame
				r.st = stateSync1
			case length > r.maxPayload:
				// oversize: don't consume the declared length, just go
				// back to hunting for the next sync pair (spec.md 6/9)
				r.st = stateSync1
			default:
				buf := r.pool.Alloc(buffer.NoWait, r.headerReserve, r.footerReserve)
				if buf == nil {
					r.remaining = length
					r.st = stateDiscard
					continue
				}
				r.buf = buf
				r.remaining = length
				r.st = statePayload
			}

		case statePayload:
			dst := r.buf.Reserve(1)
			if dst == nil {
				// should not happen given maxPayload <= pool capacity, but
				// never leave a half-filled buffer unaccounted for
				r.buf.Free()
				r.buf = nil
				r.st = stateSync1
				continue
			}
			dst[0] = b
			r.remaining--
			if r.remaining == 0 {
				r.buf.RX.InterfaceID = buffer.InterfaceSerial
				done = append(done, r.buf)
				r.buf = nil
				r.st = stateSync1
			}

		case stateDiscard:
			r.remaining--
			if r.remaining == 0 {
				r.st = stateSync1
			}
		}
	}

	return done
}

// EncodePrefix builds the 4-byte sync+length prefix for an outbound
// frame of the given length, the counterpart a serial transport's Send
// writes ahead of the already-encrypted frame bytes.
func EncodePrefix(length int) [PrefixLen]byte {
	var out [PrefixLen]byte
	out[0] = syncByte1
	out[1] = syncByte2
	out[2] = byte(length)
	out[3] = byte(length >> 8)
	return out
}
