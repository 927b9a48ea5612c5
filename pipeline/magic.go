package pipeline

import "encoding/binary"

// rateLimitKindBit is the high bit of the 2-byte RATE_LIMIT_REQ payload:
// set selects a throughput-in-kbps request, clear a delay-in-ms request.
// The remaining 15 bits carry the magnitude. spec.md leaves the exact
// wire encoding of "parse either a delay-in-ms or throughput-in-kbps
// payload" unspecified beyond the 2-byte scenario in section 8; this is
// the resolution recorded in DESIGN.md.
const rateLimitKindBit uint16 = 1 << 15

// parseRateLimitRequest decodes a RATE_LIMIT_REQ payload (the bytes
// following the magic byte). ok is false if payload is not exactly 2
// bytes.
func parseRateLimitRequest(payload []byte) (delayMS, throughputKbps uint32, ok bool) {
	if len(payload) != 2 {
		return 0, 0, false
	}
	v := binary.LittleEndian.Uint16(payload)
	magnitude := uint32(v &^ rateLimitKindBit)
	if v&rateLimitKindBit != 0 {
		return 0, magnitude, true
	}
	return magnitude, 0, true
}
