// Package codec implements the ePacket AEAD framing: serialisation,
// deserialisation, nonce construction and tag verification for the
// versioned (serial, BT_ADV, BT_GATT) and unversioned (UDP) V0 frame
// layouts. Cryptographic primitives are consumed from an external
// KeyStore; the codec itself never derives key material.
package codec

import "github.com/embeint/epacket/buffer"

// PacketType is the application-level payload kind carried in a decrypted
// frame's type byte.
type PacketType uint8

const (
	PacketEchoReq PacketType = iota + 1
	PacketEchoRsp
	PacketAck
	PacketKeyIDs
	PacketTDF
	PacketRPCCmd
	PacketRPCData
	PacketRPCDataAck
	PacketRPCRsp
	PacketReceivedEPacket
	PacketForward
	PacketForwardAutoConn
	PacketConnTerminated
)

// MagicKeyIDReq and MagicRateLimitReq are single-byte "magic" markers the
// pipeline inspects on raw (not yet decrypted) RX payloads before handing
// anything to the codec (spec.md 4.D steps 1-2) — an unauthenticated peer
// can request key IDs or ask for rate limiting without first completing
// any handshake.
const (
	MagicKeyIDReq     byte = 0xE1
	MagicRateLimitReq byte = 0xE2
)

// Flag bits within the 16-bit frame flags word.
const (
	FlagEncryptionDevice  uint16 = 1 << 0
	FlagEncryptionNetwork uint16 = 1 << 1
	FlagAckRequest        uint16 = 1 << 2
)

// InterfaceKeyTag selects which per-transport-family key namespace a
// codec instance draws from; combined with the producer's auth intent to
// form the epacket_key_id the KeyStore is queried with.
type InterfaceKeyTag uint8

const (
	keyClassDevice  uint32 = 0x01
	keyClassNetwork uint32 = 0x02
)

func epacketKeyID(tag InterfaceKeyTag, auth buffer.AuthClass) (id uint32, flagBit uint16, err error) {
	switch auth {
	case buffer.AuthDevice:
		return uint32(tag)<<4 | keyClassDevice, FlagEncryptionDevice, nil
	case buffer.AuthNetwork:
		return uint32(tag)<<4 | keyClassNetwork, FlagEncryptionNetwork, nil
	default:
		return 0, 0, ErrInvalidAuthIntent
	}
}

const secondsPerDay = 86400

// DecodedHeader is the set of fields the codec recovers from a frame's
// header, used both to populate buffer.RXMeta on the normal receive path
// and returned directly by the diagnostic transmit-path decrypt.
type DecodedHeader struct {
	Type          uint8
	Flags         uint16
	Sequence      uint16
	KeyIdentifier uint32
	GPSTime       uint32
	DeviceID      uint64

	// entropy is only meaningful while constructing a header for
	// encryption; readHeader returns it as a separate value since RX
	// metadata has no field for it (spec.md's RX metadata list omits
	// entropy — it only ever matters for nonce uniqueness on the wire).
	entropy uint32
}
