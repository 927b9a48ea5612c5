// Package keys provides a deterministic, in-memory KeyStore used by tests
// and the cmd/epacketd demonstration binary. Production deployments back
// codec.KeyStore with a real hardware/KMS-derived KDF; this package only
// exists to exercise the rest of the module without one.
package keys

import (
	"crypto/cipher"
	"encoding/binary"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// MemKeyStore derives a deterministic AEAD per (epacketKeyID,
// keyIdentifier, epochDay) by hashing them together with a root secret,
// grounded on the blake2s-based label hashing in
// awenaw-wireguard-go/device/cookie.go. It is not a real key hierarchy:
// there is no rotation, no KDF epoch semantics beyond folding epochDay
// into the hash input, and the root secret lives in process memory.
type MemKeyStore struct {
	root          [32]byte
	deviceID      uint64
	deviceKeyID   uint32
	keyIdentifier uint32 // the identifier this store currently encrypts with
}

// NewMemKeyStore builds a fixture keyed by an arbitrary root secret
// (tests usually pass a fixed byte pattern for reproducibility).
func NewMemKeyStore(root [32]byte, deviceID uint64, deviceKeyID, keyIdentifier uint32) *MemKeyStore {
	return &MemKeyStore{root: root, deviceID: deviceID, deviceKeyID: deviceKeyID, keyIdentifier: keyIdentifier}
}

func (m *MemKeyStore) derive(epacketKeyID, keyIdentifier, epochDay uint32) cipher.AEAD {
	hash, _ := blake2s.New256(m.root[:])
	var in [12]byte
	binary.LittleEndian.PutUint32(in[0:], epacketKeyID)
	binary.LittleEndian.PutUint32(in[4:], keyIdentifier)
	binary.LittleEndian.PutUint32(in[8:], epochDay)
	hash.Write(in[:])
	var key [32]byte
	hash.Sum(key[:0])
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		panic(err) // key is always exactly chacha20poly1305.KeySize bytes
	}
	return aead
}

// Encrypting always succeeds in this fixture: every epacket_key_id/day
// combination has a derivable key, returning the store's configured
// current key_identifier.
func (m *MemKeyStore) Encrypting(epacketKeyID uint32, epochDay uint32) (uint32, cipher.AEAD, bool) {
	return m.keyIdentifier, m.derive(epacketKeyID, m.keyIdentifier, epochDay), true
}

// Decrypting accepts any key_identifier (there is no revocation in this
// fixture) and derives the matching key.
func (m *MemKeyStore) Decrypting(epacketKeyID, keyIdentifier, epochDay uint32) (cipher.AEAD, bool) {
	return m.derive(epacketKeyID, keyIdentifier, epochDay), true
}

func (m *MemKeyStore) DeviceID() uint64    { return m.deviceID }
func (m *MemKeyStore) DeviceKeyID() uint32 { return m.deviceKeyID }

// Unknown is a KeyStore wrapper that always refuses, used to test the
// "key unavailable" path without needing a second real key hierarchy.
type Unknown struct {
	Inner interface {
		DeviceID() uint64
		DeviceKeyID() uint32
	}
}

func (Unknown) Encrypting(uint32, uint32) (uint32, cipher.AEAD, bool) { return 0, nil, false }
func (Unknown) Decrypting(uint32, uint32, uint32) (cipher.AEAD, bool) { return nil, false }
func (u Unknown) DeviceID() uint64                                    { return u.Inner.DeviceID() }
func (u Unknown) DeviceKeyID() uint32                                 { return u.Inner.DeviceKeyID() }
