package codec

import (
	"crypto/rand"
	"sync/atomic"
	"time"

	"github.com/embeint/epacket/buffer"
)

// Codec is the process-wide frame codec. It owns the monotonic sequence
// counter (spec.md: "a process-wide counter, incremented once per
// successful encryption") and the scratch pool every encrypt/decrypt call
// claims for the duration of one AEAD operation. A single Codec is shared
// by every transport, consistent with the "global mutable state... single
// root-owned structure" design note.
type Codec struct {
	Keys    KeyStore
	Scratch *buffer.Pool

	// Now defaults to time.Now; overridable for deterministic tests.
	Now func() time.Time
	// Entropy defaults to crypto/rand; overridable for deterministic
	// tests.
	Entropy func() uint32

	sequence atomic.Uint32
}

// NewCodec constructs a Codec backed by the given key store and a
// dedicated scratch pool. scratchCount is 1 or 2 per spec.md 4.A,
// depending on whether the pipeline's RX and TX processing are split
// into separate loops (each loop needs its own scratch buffer since
// scratch must be held across exactly one encrypt/decrypt call).
func NewCodec(keys KeyStore, scratchCount, maxFrameSize int) *Codec {
	return &Codec{
		Keys:    keys,
		Scratch: buffer.NewPool(buffer.KindScratch, scratchCount, maxFrameSize),
		Now:     time.Now,
		Entropy: randomUint32,
	}
}

func randomUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (c *Codec) nextSequence() uint16 {
	return uint16(c.sequence.Add(1))
}

// Encrypt frames buf in place per spec.md 4.B. versioned selects the V0
// variant used by serial/BT_ADV/BT_GATT (true) vs the unversioned V0 used
// by UDP (false). tag identifies the interface's key namespace.
//
// If buf.TX.Auth is AuthRemoteEncrypted the buffer is returned unchanged:
// it is already-encrypted relay traffic (spec.md invariant).
func (c *Codec) Encrypt(buf *buffer.Buffer, versioned bool, tag InterfaceKeyTag) error {
	if buf.TX.Auth == buffer.AuthRemoteEncrypted {
		return nil
	}

	keyID, flagBit, err := epacketKeyID(tag, buf.TX.Auth)
	if err != nil {
		return err
	}
	buf.TX.Flags |= flagBit

	epochDay := uint32(c.Now().Unix()) / secondsPerDay
	keyIdentifier, aead, ok := c.Keys.Encrypting(keyID, epochDay)
	if !ok {
		return ErrKeyUnavailable
	}

	hdrLen := headerSize(versioned)
	plainLen := buf.Len()
	if buf.Cap() < TagSize || (buf.HeaderRoom() < hdrLen && buf.Cap() < hdrLen+TagSize) {
		return ErrFrameTooShort
	}

	seq := c.nextSequence()
	hdr := DecodedHeader{
		Type:          buf.TX.Type,
		Flags:         buf.TX.Flags,
		KeyIdentifier: keyIdentifier,
		DeviceID:      c.Keys.DeviceID(),
		GPSTime:       uint32(c.Now().Unix()),
		Sequence:      seq,
		entropy:       c.Entropy(),
	}

	scratch := c.Scratch.Alloc(buffer.Forever, 0, 0)
	defer scratch.Free()
	copy(scratch.Workspace(plainLen), buf.Bytes())

	var hdrDst []byte
	if buf.HeaderRoom() >= hdrLen {
		hdrDst = buf.PrependHeader(hdrLen)
	} else {
		// Too little header room reserved: the plaintext is already in
		// scratch, so lay the whole frame out from the current head.
		buf.Truncate(0)
		hdrDst = buf.Reserve(hdrLen + plainLen)[:hdrLen]
	}
	writeHeader(hdrDst, versioned, hdr)

	// Ciphertext overwrites the region the plaintext used to occupy,
	// immediately after the header we just prepended.
	cipherStart := buf.Offset() + hdrLen
	if buf.Reserve(TagSize) == nil {
		return ErrFrameTooShort
	}

	nonce := frameNonce(hdrDst, versioned)
	adStart, adEnd := adRange(versioned)
	ad := hdrDst[adStart:adEnd]

	dst := buf.RawSlice(cipherStart)
	aead.Seal(dst, nonce, scratch.Workspace(plainLen), ad)

	buf.TX.Sequence = seq
	return nil
}

// Decrypt reverses Encrypt on an RX buffer, populating buf.RX per
// spec.md 4.B. On failure the buffer is restored bit-for-bit and
// buf.RX.Auth is set to AuthFailure.
func (c *Codec) Decrypt(buf *buffer.Buffer, versioned bool, tag InterfaceKeyTag) error {
	hdr, err := c.decryptInPlace(buf, versioned, tag)
	if err != nil {
		buf.RX.Auth = buffer.AuthFailure
		return err
	}

	buf.RX.Type = hdr.Type
	buf.RX.Flags = hdr.Flags
	buf.RX.Sequence = hdr.Sequence
	buf.RX.KeyIdentifier = hdr.KeyIdentifier
	buf.RX.PacketGPSTime = hdr.GPSTime
	buf.RX.PacketDeviceID = hdr.DeviceID
	switch {
	case hdr.Flags&FlagEncryptionDevice != 0:
		buf.RX.Auth = buffer.AuthDevice
	case hdr.Flags&FlagEncryptionNetwork != 0:
		buf.RX.Auth = buffer.AuthNetwork
	default:
		buf.RX.Auth = buffer.AuthFailure
	}
	return nil
}

// DecryptTX decrypts a TX-shaped buffer in place for diagnostic
// inspection (spec.md 4.B "transmit-path decrypt variant"), e.g. a
// gateway wanting to log outbound traffic. It never touches buf.RX/TX and
// leaves the buffer untouched on failure, same as Decrypt.
func (c *Codec) DecryptTX(buf *buffer.Buffer, versioned bool, tag InterfaceKeyTag) (DecodedHeader, error) {
	return c.decryptInPlace(buf, versioned, tag)
}

func (c *Codec) decryptInPlace(buf *buffer.Buffer, versioned bool, tag InterfaceKeyTag) (DecodedHeader, error) {
	hdrLen := headerSize(versioned)
	if buf.Len() <= hdrLen+TagSize {
		return DecodedHeader{}, ErrFrameTooShort
	}

	snapshot := buf.RawHeader(buf.Len())

	raw := buf.Bytes()
	if versioned && raw[0] != 0 {
		return DecodedHeader{}, ErrBadVersion
	}

	hdr, _ := readHeader(raw, versioned)

	if hdr.Flags&FlagEncryptionDevice != 0 && hdr.DeviceID != c.Keys.DeviceID() {
		return DecodedHeader{}, ErrDeviceMismatch
	}

	var keyID uint32
	switch {
	case hdr.Flags&FlagEncryptionDevice != 0:
		keyID = uint32(tag)<<4 | keyClassDevice
	case hdr.Flags&FlagEncryptionNetwork != 0:
		keyID = uint32(tag)<<4 | keyClassNetwork
	default:
		buf.RestoreFrom(snapshot)
		return DecodedHeader{}, ErrInvalidAuthIntent
	}

	epochDay := hdr.GPSTime / secondsPerDay
	aead, ok := c.Keys.Decrypting(keyID, hdr.KeyIdentifier, epochDay)
	if !ok {
		buf.RestoreFrom(snapshot)
		return DecodedHeader{}, ErrKeyUnavailable
	}

	cipherLen := buf.Len() - hdrLen
	scratch := c.Scratch.Alloc(buffer.Forever, 0, 0)
	defer scratch.Free()
	copy(scratch.Workspace(cipherLen), raw[hdrLen:])

	nonce := frameNonce(raw, versioned)
	adStart, adEnd := adRange(versioned)
	ad := make([]byte, adEnd-adStart)
	copy(ad, raw[adStart:adEnd])

	cipherStart := buf.Offset() + hdrLen
	dst := buf.RawSlice(cipherStart)
	plain, err := aead.Open(dst, nonce, scratch.Workspace(cipherLen), ad)
	if err != nil {
		buf.RestoreFrom(snapshot)
		return DecodedHeader{}, ErrDecryptFailed
	}

	buf.ConsumeHeader(hdrLen)
	buf.Truncate(len(plain))
	return hdr, nil
}

func frameNonce(header []byte, versioned bool) []byte {
	start, end := nonceRange(versioned)
	return header[start:end]
}
