package codec

import "errors"

var (
	// ErrInvalidAuthIntent is returned when a TX buffer's Auth is
	// neither AuthDevice nor AuthNetwork at the point the codec needs
	// to pick a key class (AuthRemoteEncrypted never reaches this path;
	// it short-circuits to a passthrough).
	ErrInvalidAuthIntent = errors.New("codec: auth intent must be DEVICE or NETWORK")

	// ErrKeyUnavailable means the KeyStore returned "unknown" for the
	// requested key slot.
	ErrKeyUnavailable = errors.New("codec: key unavailable")

	// ErrFrameTooShort means the buffer is not even large enough to
	// hold a header and an AEAD tag.
	ErrFrameTooShort = errors.New("codec: frame shorter than header+tag")

	// ErrBadVersion means a versioned frame's version byte was not 0.
	ErrBadVersion = errors.New("codec: unsupported frame version")

	// ErrDeviceMismatch means a DEVICE-authenticated frame's embedded
	// device id does not match this node.
	ErrDeviceMismatch = errors.New("codec: device id mismatch")

	// ErrDecryptFailed covers AEAD tag verification failure. The buffer
	// is always restored bit-for-bit before this is returned.
	ErrDecryptFailed = errors.New("codec: decrypt failed")
)
