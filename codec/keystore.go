package codec

import "crypto/cipher"

// KeyStore is the external collaborator that derives AEAD key material.
// The codec treats it as a black box: it never sees raw key bytes, only
// an opaque cipher.AEAD handle (or none, meaning "unknown/refuse").
//
// Real deployments back this with a KDF over (epacket_key_id,
// key_identifier, epoch_day) as spec.md 4.B describes; this package only
// needs the two query shapes TX and RX actually use.
type KeyStore interface {
	// Encrypting returns the key this node should currently encrypt
	// with for the given epacket_key_id, along with the key_identifier
	// to stamp into the header so the peer can look up the same key.
	Encrypting(epacketKeyID uint32, epochDay uint32) (keyIdentifier uint32, aead cipher.AEAD, ok bool)

	// Decrypting looks up the key a received frame claims to be
	// encrypted under. ok is false ("unknown") when the key_identifier
	// or epacket_key_id is unrecognised; the caller must treat this as
	// a refusal, never as an all-zero key.
	Decrypting(epacketKeyID uint32, keyIdentifier uint32, epochDay uint32) (aead cipher.AEAD, ok bool)

	// DeviceID is this node's 40-bit device identifier.
	DeviceID() uint64

	// DeviceKeyID is the identifier this node advertises in response to
	// a KEY_ID_REQ broadcast (glossary: KEY_ID_REQ / KEY_IDS).
	DeviceKeyID() uint32
}
