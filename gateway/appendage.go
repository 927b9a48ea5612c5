package gateway

import (
	"encoding/binary"

	"github.com/embeint/epacket/buffer"
	"github.com/embeint/epacket/codec"
)

// decodedHeaderSize is 17 bytes: type(1) + device_id_upper(1) +
// device_id_lower(4) + gps_time(4) + flags(2) + sequence(2) +
// key_identifier u24(3). spec.md states this appendage element is 13
// bytes, which cannot hold a type + a 40-bit device id + a u32 gps_time
// + a u16 flags + a u16 sequence + a u24 key id at the widths those
// fields carry everywhere else in the spec (40 + 32 + 16 + 16 + 24 + 8 =
// 136 bits = 17 bytes, not 13*8=104). DESIGN.md records this as a
// resolved inconsistency: field widths are kept consistent with the
// frame header (spec.md section 6) rather than shrunk to fit the
// prose's byte count.
const decodedHeaderSize = 17

// commonAuthFailBit is the top bit of the 2-byte len_encrypted field,
// set when the original packet failed authentication.
const commonAuthFailBit uint16 = 1 << 15

// btAddressSize is the interface-address element's length when the
// source interface is Bluetooth-flavoured; zero otherwise.
const btAddressSize = 7

func isBTSourced(id buffer.InterfaceID) bool {
	switch id {
	case buffer.InterfaceBTAdv, buffer.InterfaceBTCentral, buffer.InterfaceBTPeripheral:
		return true
	default:
		return false
	}
}

func putUint24(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
}

func getUint24(src []byte) uint32 {
	return uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16
}

func rssiMagnitude(rssi int8) uint8 {
	if rssi >= 0 {
		return uint8(rssi)
	}
	return uint8(-int16(rssi))
}

// encodeAppendage builds one RECEIVED_EPACKET element from a decrypted
// (or decrypt-failed) RX buffer, per spec.md 4.F's per-appendage layout.
func encodeAppendage(buf *buffer.Buffer) []byte {
	payload := buf.Bytes()
	authOK := buf.RX.Auth != buffer.AuthFailure

	var addr []byte
	if isBTSourced(buf.RX.InterfaceID) {
		addr = make([]byte, btAddressSize)
		addr[0] = byte(buf.RX.InterfaceAddress.BT.Type)
		copy(addr[1:], buf.RX.InterfaceAddress.BT.Addr[:])
	}

	var decoded []byte
	if authOK {
		decoded = make([]byte, decodedHeaderSize)
		i := 0
		decoded[i] = buf.RX.Type
		i++
		decoded[i] = byte(buf.RX.PacketDeviceID >> 32)
		i++
		binary.LittleEndian.PutUint32(decoded[i:], uint32(buf.RX.PacketDeviceID))
		i += 4
		binary.LittleEndian.PutUint32(decoded[i:], buf.RX.PacketGPSTime)
		i += 4
		binary.LittleEndian.PutUint16(decoded[i:], buf.RX.Flags)
		i += 2
		binary.LittleEndian.PutUint16(decoded[i:], buf.RX.Sequence)
		i += 2
		putUint24(decoded[i:], buf.RX.KeyIdentifier)
	}

	lenField := uint16(len(payload)) &^ commonAuthFailBit
	if !authOK {
		lenField |= commonAuthFailBit
	}

	var common [4]byte
	binary.LittleEndian.PutUint16(common[0:], lenField)
	common[2] = uint8(buf.RX.InterfaceID)
	common[3] = rssiMagnitude(buf.RX.RSSI)

	out := make([]byte, 0, len(common)+len(addr)+len(decoded)+len(payload))
	out = append(out, common[:]...)
	out = append(out, addr...)
	out = append(out, decoded...)
	out = append(out, payload...)
	return out
}

// Appendage is one decoded element of a RECEIVED_EPACKET backhaul frame.
type Appendage struct {
	InterfaceID buffer.InterfaceID
	Address     buffer.Address
	RSSI        uint8
	AuthOK      bool

	Type          uint8
	DeviceID      uint64
	GPSTime       uint32
	Flags         uint16
	Sequence      uint16
	KeyIdentifier uint32

	Payload []byte
}

// DecodeAppendages splits a RECEIVED_EPACKET payload back into its
// constituent appendages; used by the backhaul consumer and by tests
// exercising the round-trip law in spec.md 8.
func DecodeAppendages(payload []byte) ([]Appendage, error) {
	var out []Appendage
	for len(payload) > 0 {
		if len(payload) < 4 {
			return nil, codec.ErrFrameTooShort
		}
		lenField := binary.LittleEndian.Uint16(payload[0:2])
		authOK := lenField&commonAuthFailBit == 0
		length := int(lenField &^ commonAuthFailBit)
		ifaceID := buffer.InterfaceID(payload[2])
		rssi := payload[3]
		payload = payload[4:]

		a := Appendage{InterfaceID: ifaceID, RSSI: rssi, AuthOK: authOK}

		if isBTSourced(ifaceID) {
			if len(payload) < btAddressSize {
				return nil, codec.ErrFrameTooShort
			}
			a.Address.BT.Type = buffer.BTAddressType(payload[0])
			copy(a.Address.BT.Addr[:], payload[1:btAddressSize])
			payload = payload[btAddressSize:]
		} else {
			a.Address.Broadcast = true
		}

		if authOK {
			if len(payload) < decodedHeaderSize {
				return nil, codec.ErrFrameTooShort
			}
			i := 0
			a.Type = payload[i]
			i++
			upper := uint64(payload[i])
			i++
			lower := binary.LittleEndian.Uint32(payload[i:])
			i += 4
			a.DeviceID = upper<<32 | uint64(lower)
			a.GPSTime = binary.LittleEndian.Uint32(payload[i:])
			i += 4
			a.Flags = binary.LittleEndian.Uint16(payload[i:])
			i += 2
			a.Sequence = binary.LittleEndian.Uint16(payload[i:])
			i += 2
			a.KeyIdentifier = getUint24(payload[i:])
			payload = payload[decodedHeaderSize:]
		}

		if len(payload) < length {
			return nil, codec.ErrFrameTooShort
		}
		a.Payload = append([]byte(nil), payload[:length]...)
		payload = payload[length:]

		out = append(out, a)
	}
	return out, nil
}
