package forward

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/embeint/epacket/buffer"
)

// ErrFrameTooShort covers any forward header that doesn't fit in the
// delivered payload.
var ErrFrameTooShort = errors.New("forward: frame shorter than header")

// directHeaderSize: interface(1) + address type+addr(7) + length(2).
const directHeaderSize = 10

// autoConnExtra is the conn_timeout/idle_timeout/absolute_timeout
// (u32 seconds each) and flags byte that follow directHeaderSize.
const autoConnExtra = 4 + 4 + 4 + 1

type directHeader struct {
	Interface buffer.InterfaceID
	Address   buffer.BTAddress
	Length    uint16
}

func parseDirectHeader(payload []byte) (directHeader, []byte, error) {
	if len(payload) < directHeaderSize {
		return directHeader{}, nil, ErrFrameTooShort
	}
	h := directHeader{
		Interface: buffer.InterfaceID(payload[0]),
	}
	h.Address.Type = buffer.BTAddressType(payload[1])
	copy(h.Address.Addr[:], payload[2:8])
	h.Length = binary.LittleEndian.Uint16(payload[8:10])
	return h, payload[directHeaderSize:], nil
}

type autoConnHeader struct {
	directHeader
	ConnTimeout         time.Duration
	ConnIdleTimeout     time.Duration
	ConnAbsoluteTimeout time.Duration
	Flags               Flags
}

func parseAutoConnHeader(payload []byte) (autoConnHeader, []byte, error) {
	base, rest, err := parseDirectHeader(payload)
	if err != nil {
		return autoConnHeader{}, nil, err
	}
	if len(rest) < autoConnExtra {
		return autoConnHeader{}, nil, ErrFrameTooShort
	}
	h := autoConnHeader{
		directHeader:        base,
		ConnTimeout:         time.Duration(binary.LittleEndian.Uint32(rest[0:4])) * time.Second,
		ConnIdleTimeout:     time.Duration(binary.LittleEndian.Uint32(rest[4:8])) * time.Second,
		ConnAbsoluteTimeout: time.Duration(binary.LittleEndian.Uint32(rest[8:12])) * time.Second,
		Flags:               Flags(rest[12]),
	}
	return h, rest[autoConnExtra:], nil
}

// encodeConnTerminated builds a CONN_TERMINATED payload: address (7
// bytes: type+addr) followed by the one-byte disconnect reason.
func encodeConnTerminated(addr buffer.BTAddress, reason DisconnectReason) []byte {
	out := make([]byte, 8)
	out[0] = byte(addr.Type)
	copy(out[1:7], addr.Addr[:])
	out[7] = byte(reason)
	return out
}
