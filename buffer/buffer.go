package buffer

import "sync/atomic"

// AuthClass is the closed set of authentication outcomes/intents a packet
// can carry. The wire format stores it folded into the flags word's two
// encryption bits plus the codec's own bookkeeping; in memory it is kept
// as this 4-value enum (spec fixes this, resolving the source's
// inconsistent 2-bit/4-value treatment).
type AuthClass uint8

const (
	// AuthFailure is the RX default and the result of any decrypt error.
	AuthFailure AuthClass = iota
	// AuthDevice authenticates (or requests authentication) against this
	// node's device-specific key.
	AuthDevice
	// AuthNetwork authenticates (or requests authentication) against the
	// shared network key.
	AuthNetwork
	// AuthRemoteEncrypted marks a payload that is already
	// AEAD-encrypted by another node and must be relayed unchanged.
	AuthRemoteEncrypted
)

func (a AuthClass) String() string {
	switch a {
	case AuthFailure:
		return "FAILURE"
	case AuthDevice:
		return "DEVICE"
	case AuthNetwork:
		return "NETWORK"
	case AuthRemoteEncrypted:
		return "REMOTE_ENCRYPTED"
	default:
		return "UNKNOWN"
	}
}

// InterfaceID enumerates the transport kinds a buffer's metadata can
// reference. The codec picks its frame variant from this value.
type InterfaceID uint8

const (
	InterfaceSerial InterfaceID = iota
	InterfaceUDP
	InterfaceBTAdv
	InterfaceBTCentral
	InterfaceBTPeripheral
	InterfaceHCI
	InterfaceDummy
)

func (i InterfaceID) String() string {
	switch i {
	case InterfaceSerial:
		return "SERIAL"
	case InterfaceUDP:
		return "UDP"
	case InterfaceBTAdv:
		return "BT_ADV"
	case InterfaceBTCentral:
		return "BT_CENTRAL"
	case InterfaceBTPeripheral:
		return "BT_PERIPHERAL"
	case InterfaceHCI:
		return "HCI"
	case InterfaceDummy:
		return "DUMMY"
	default:
		return "UNKNOWN"
	}
}

// BTAddressType distinguishes public from random Bluetooth link
// addresses, carried inside Address when a transport is BT-flavoured.
type BTAddressType uint8

const (
	BTAddressPublic BTAddressType = iota
	BTAddressRandom
)

// BTAddress is a Bluetooth link-layer address.
type BTAddress struct {
	Type BTAddressType
	Addr [6]byte
}

// Address is the tagged union of "all peers" or a transport-specific
// destination/source address.
type Address struct {
	Broadcast bool
	BT        BTAddress
}

// AllPeers is the broadcast address used by TX producers that don't
// target a specific peer (echo responses, KEY_IDS replies, RECEIVED_EPACKET
// uplinks).
var AllPeers = Address{Broadcast: true}

// Interface is the non-owning handle to the transport that produced an RX
// buffer or should send a TX buffer. Its lifetime is the process; it is
// never freed alongside the buffer.
type Interface interface {
	// InterfaceID reports this transport's kind, used by the codec to
	// pick the frame variant and by the gateway to decide whether a
	// packet's source is BT-flavoured.
	InterfaceID() InterfaceID
}

// TxDoneFunc is invoked exactly once, after the transport has completed or
// failed a send, with the user-data pointer the producer supplied.
type TxDoneFunc func(result error, userData any)

// RXMeta is attached to every receive buffer. Fields below "RSSI" are
// filled in by the codec during decryption;
// Auth defaults to AuthFailure at allocation time.
type RXMeta struct {
	Interface         Interface
	InterfaceID       InterfaceID
	InterfaceAddress  Address
	RSSI              int8 // 0 for wired transports

	Type            uint8
	Flags           uint16
	Auth            AuthClass
	Sequence        uint16
	KeyIdentifier   uint32 // 24-bit value
	PacketGPSTime   uint32
	PacketDeviceID  uint64
}

// TXMeta carries the producer's intent for a buffer queued for
// transmission.
type TXMeta struct {
	Type               uint8
	Flags              uint16
	Auth               AuthClass
	DestinationAddress Address
	TxDone             TxDoneFunc
	TxDoneUserData     any
	Sequence           uint16 // filled in by the codec after framing
}

// Buffer is a reference-counted byte container backed by one of the
// process pools. Exactly one owner holds it at any instant; Clone shares
// ownership (increments the refcount), Free drops a reference and returns
// the storage to its pool once the count reaches zero.
type Buffer struct {
	pool     *Pool
	index    int // fixed slot within pool, used by the pipeline's tx_device side-table
	refcount atomic.Int32

	data          []byte // full backing storage, fixed capacity
	head          int    // write/read head: payload starts here
	tail          int    // end of valid payload data
	footerReserve int    // bytes at the end of data reserved for a transport footer

	RX RXMeta
	TX TXMeta
}

func (b *Buffer) reset(headerReserve, footerReserve int) {
	b.head = headerReserve
	b.tail = headerReserve
	b.footerReserve = footerReserve
}

// Kind reports which pool this buffer was allocated from.
func (b *Buffer) Kind() Kind { return b.pool.kind }

// Bytes returns the buffer's current valid payload.
func (b *Buffer) Bytes() []byte { return b.data[b.head:b.tail] }

// Cap reports how many more bytes can be appended before hitting the
// transport's footer reservation.
func (b *Buffer) Cap() int { return len(b.data) - b.footerReserve - b.tail }

// Len reports the current valid payload length.
func (b *Buffer) Len() int { return b.tail - b.head }

// HeaderRoom reports the bytes reserved (and currently unused) before the
// write head, e.g. for a codec to prepend a frame header in place.
func (b *Buffer) HeaderRoom() int { return b.head }

// Reserve grows the payload by n bytes at the tail, returning a slice of
// exactly n bytes the caller should fill. Returns nil if the transport's
// footer reservation would be violated.
func (b *Buffer) Reserve(n int) []byte {
	if b.Cap() < n {
		return nil
	}
	start := b.tail
	b.tail += n
	return b.data[start:b.tail]
}

// PrependHeader writes n bytes immediately before the current payload,
// consuming header room reserved at allocation time. Returns nil if
// insufficient header room remains.
func (b *Buffer) PrependHeader(n int) []byte {
	if b.head < n {
		return nil
	}
	b.head -= n
	return b.data[b.head : b.head+n]
}

// Append copies p onto the end of the payload, growing it. Reports
// whether there was room.
func (b *Buffer) Append(p []byte) bool {
	dst := b.Reserve(len(p))
	if dst == nil {
		return false
	}
	copy(dst, p)
	return true
}

// ConsumeHeader advances the read head by n bytes, discarding a header
// the caller has finished parsing so that Bytes() exposes only the
// payload that follows it.
func (b *Buffer) ConsumeHeader(n int) { b.head += n }

// Truncate sets the valid payload to n bytes from the current head; the
// codec uses it to trim a decrypted frame down to its plaintext.
func (b *Buffer) Truncate(n int) { b.tail = b.head + n }

// SetLen sets the payload length to n bytes from the current head without
// any footer-reservation check; it behaves exactly like Truncate. (The TX
// path hands nominal capacity back with ReleaseFooterReserve.)
func (b *Buffer) SetLen(n int) { b.tail = b.head + n }

// NominalCap reports the buffer's capacity ignoring any footer
// reservation, i.e. the size a transport sees once the pipeline hands the
// buffer back over for transmission.
func (b *Buffer) NominalCap() int { return len(b.data) - b.head }

// Index reports this buffer's fixed slot within its pool. The pipeline's
// tx_device side-table is keyed by this value (spec.md 4.D) rather than
// carrying a device pointer on every buffer.
func (b *Buffer) Index() int { return b.index }

// ReleaseFooterReserve hands the buffer's transport-reserved footer
// space back as usable capacity, restoring its nominal capacity before
// handoff to a transport's send (spec.md 4.D "restore the buffer's
// nominal capacity"). Returns the reservation that was released.
func (b *Buffer) ReleaseFooterReserve() int {
	n := b.footerReserve
	b.footerReserve = 0
	return n
}

// Offset reports the buffer's current head position within its backing
// array. Used by the codec to compute where the ciphertext region begins
// once a header has been prepended.
func (b *Buffer) Offset() int { return b.head }

// Workspace returns a fixed n-byte writable slice starting at the head,
// ignoring tail/footer bookkeeping — used only to give the codec a
// destination for a memcpy into a freshly allocated scratch buffer.
func (b *Buffer) Workspace(n int) []byte { return b.data[b.head : b.head+n] }

// RawSlice returns a zero-length slice at the given absolute offset whose
// capacity extends to the end of the backing array, suitable as an
// in-place append destination for an AEAD Seal/Open call.
func (b *Buffer) RawSlice(offset int) []byte { return b.data[offset:offset:len(b.data)] }

// RawHeader returns a copy of the n bytes starting at the current head,
// regardless of tail — used by the codec to snapshot a frame for
// bit-for-bit restoration on decrypt failure.
func (b *Buffer) RawHeader(n int) []byte {
	cp := make([]byte, n)
	copy(cp, b.data[b.head:b.head+n])
	return cp
}

// RestoreFrom overwrites the buffer's current payload region with a
// previously captured snapshot, used by the codec's decrypt-failure path.
func (b *Buffer) RestoreFrom(snapshot []byte) {
	copy(b.data[b.head:], snapshot)
	b.tail = b.head + len(snapshot)
}

// Clone increments the reference count and returns the same buffer,
// modelling shared ownership (e.g. a callback that wants to inspect a
// buffer the pipeline will also free).
func (b *Buffer) Clone() *Buffer {
	b.refcount.Add(1)
	return b
}

// Free drops a reference; once the count reaches zero the buffer is
// returned to its pool. Freeing an already-zero buffer is a programming
// error and panics, matching the "exactly one owner" discipline the
// pipeline relies on.
func (b *Buffer) Free() {
	n := b.refcount.Add(-1)
	switch {
	case n > 0:
		return
	case n == 0:
		b.pool.release(b)
	default:
		panic("buffer: refcount went negative")
	}
}
