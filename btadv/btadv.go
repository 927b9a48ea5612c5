// Package btadv implements the Bluetooth extended-advertising container
// ePacket frames travel in (spec.md 6): a Flags AD element, a 16-bit
// "Infuse" service UUID AD element, and a manufacturer-specific AD
// element beginning with the Infuse company code, carrying the encrypted
// frame as its payload. It is pure AD-container encode/detect logic,
// independent of any concrete BLE radio stack.
package btadv

import (
	"encoding/binary"
	"errors"
)

// CompanyCode is the Bluetooth SIG company identifier the manufacturer
// AD element's first two (little-endian) bytes must carry.
const CompanyCode uint16 = 0x0DE4

// ServiceUUID is the 16-bit "Infuse" service UUID advertised alongside
// the manufacturer element.
const ServiceUUID uint16 = 0xFCCE

const (
	adFlags                 byte = 0x01
	adIncompleteServiceUUIDs byte = 0x02
	adCompleteServiceUUIDs   byte = 0x03
	adManufacturerData       byte = 0xFF
)

// FlagsGeneralDiscoverableNoBREDR is the Flags AD element's payload byte:
// general discoverable mode, BR/EDR not supported.
const FlagsGeneralDiscoverableNoBREDR byte = 0x06

var (
	// ErrMalformed covers any AD structure that doesn't parse as a
	// sequence of length-prefixed elements.
	ErrMalformed = errors.New("btadv: malformed AD structure")
	// ErrNotInfuseFrame is returned by Decode when the AD elements don't
	// match the expected type-and-order container (spec.md 6 "detection
	// ... verifies ... the AD elements match in type and order").
	ErrNotInfuseFrame = errors.New("btadv: not an Infuse ePacket advertisement")
)

// element is one length-prefixed AD structure: byte 0 is length
// (including the type byte), byte 1 is type, the rest is the element's
// data.
type element struct {
	typ  byte
	data []byte
}

func parseElements(adv []byte) ([]element, error) {
	var out []element
	for len(adv) > 0 {
		n := int(adv[0])
		if n == 0 {
			break
		}
		if n+1 > len(adv) {
			return nil, ErrMalformed
		}
		out = append(out, element{typ: adv[1], data: adv[2 : n+1]})
		adv = adv[n+1:]
	}
	return out, nil
}

// Encode builds the full AD byte sequence for one advertisement carrying
// payload (the encrypted ePacket frame): Flags, the Infuse service UUID,
// then the manufacturer element (company code + payload), in that fixed
// order.
func Encode(payload []byte) []byte {
	out := make([]byte, 0, 3+4+3+2+len(payload))

	out = append(out, 2, adFlags, FlagsGeneralDiscoverableNoBREDR)

	var uuidBytes [2]byte
	binary.LittleEndian.PutUint16(uuidBytes[:], ServiceUUID)
	out = append(out, 3, adCompleteServiceUUIDs, uuidBytes[0], uuidBytes[1])

	mfg := make([]byte, 2+len(payload))
	binary.LittleEndian.PutUint16(mfg[0:2], CompanyCode)
	copy(mfg[2:], payload)
	out = append(out, byte(1+len(mfg)), adManufacturerData)
	out = append(out, mfg...)

	return out
}

// Decode verifies adv is a well-formed Infuse ePacket advertisement (the
// three AD elements present, correctly typed, in Encode's order, with
// the right company code) and returns the encrypted frame payload.
func Decode(adv []byte) ([]byte, error) {
	elems, err := parseElements(adv)
	if err != nil {
		return nil, err
	}
	if len(elems) != 3 {
		return nil, ErrNotInfuseFrame
	}

	if elems[0].typ != adFlags {
		return nil, ErrNotInfuseFrame
	}

	switch elems[1].typ {
	case adCompleteServiceUUIDs, adIncompleteServiceUUIDs:
	default:
		return nil, ErrNotInfuseFrame
	}
	if len(elems[1].data) != 2 || binary.LittleEndian.Uint16(elems[1].data) != ServiceUUID {
		return nil, ErrNotInfuseFrame
	}

	if elems[2].typ != adManufacturerData {
		return nil, ErrNotInfuseFrame
	}
	if len(elems[2].data) < 2 || binary.LittleEndian.Uint16(elems[2].data[:2]) != CompanyCode {
		return nil, ErrNotInfuseFrame
	}

	return elems[2].data[2:], nil
}

// IsExtendedAdv reports whether the advertising PDU type byte a peer
// reported corresponds to extended advertising, a precondition this
// module's detection requires (spec.md 6 "verifies adv type is
// extended").
func IsExtendedAdv(pduType byte) bool {
	return pduType == ExtendedAdvPDUType
}

// ExtendedAdvPDUType is the controller-reported PDU type value this
// module expects; concrete values are controller-specific, so a real
// driver's constant is expected to match this one exactly.
const ExtendedAdvPDUType = 0x07
