package codec_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/embeint/epacket/buffer"
	"github.com/embeint/epacket/codec"
	"github.com/embeint/epacket/keys"
)

func newTestCodec(t *testing.T) (*codec.Codec, *keys.MemKeyStore) {
	t.Helper()
	ks := keys.NewMemKeyStore([32]byte{1, 2, 3, 4}, 0xAABBCCDD11, 0x05, 0x01)
	c := codec.NewCodec(ks, 1, 512)
	c.Now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return c, ks
}

func txBuffer(t *testing.T, pool *buffer.Pool, payload []byte, auth buffer.AuthClass) *buffer.Buffer {
	t.Helper()
	buf := pool.Alloc(buffer.Forever, 32, 16)
	require.True(t, buf.Append(payload))
	buf.TX.Type = uint8(codec.PacketEchoReq)
	buf.TX.Auth = auth
	return buf
}

func TestEncryptDecryptRoundTripDevice(t *testing.T) {
	c, ks := newTestCodec(t)
	pool := buffer.NewPool(buffer.KindTX, 2, 512)
	buf := txBuffer(t, pool, []byte("hello epacket"), buffer.AuthDevice)

	require.NoError(t, c.Encrypt(buf, true, 0))
	require.Equal(t, uint16(1), buf.TX.Sequence)

	// Hand the encrypted bytes to a fresh RX buffer, as the pipeline
	// would after reading them off a transport.
	rxPool := buffer.NewPool(buffer.KindRX, 2, 512)
	rxBuf := rxPool.Alloc(buffer.Forever, 32, 16)
	require.True(t, rxBuf.Append(buf.Bytes()))

	require.NoError(t, c.Decrypt(rxBuf, true, 0))
	require.Equal(t, buffer.AuthDevice, rxBuf.RX.Auth)
	require.Equal(t, []byte("hello epacket"), rxBuf.Bytes())
	require.Equal(t, ks.DeviceID(), rxBuf.RX.PacketDeviceID)
	require.Equal(t, uint16(1), rxBuf.RX.Sequence)
}

func TestEncryptDecryptRoundTripNetworkUnversioned(t *testing.T) {
	c, _ := newTestCodec(t)
	pool := buffer.NewPool(buffer.KindTX, 2, 512)
	buf := txBuffer(t, pool, []byte("uplink payload"), buffer.AuthNetwork)

	require.NoError(t, c.Encrypt(buf, false, 2))

	rxPool := buffer.NewPool(buffer.KindRX, 2, 512)
	rxBuf := rxPool.Alloc(buffer.Forever, 32, 16)
	require.True(t, rxBuf.Append(buf.Bytes()))

	require.NoError(t, c.Decrypt(rxBuf, false, 2))
	require.Equal(t, buffer.AuthNetwork, rxBuf.RX.Auth)
	require.Equal(t, []byte("uplink payload"), rxBuf.Bytes())
}

func TestSequenceMonotonic(t *testing.T) {
	c, _ := newTestCodec(t)
	pool := buffer.NewPool(buffer.KindTX, 4, 512)

	var seqs []uint16
	for i := 0; i < 3; i++ {
		buf := txBuffer(t, pool, []byte("x"), buffer.AuthDevice)
		require.NoError(t, c.Encrypt(buf, true, 0))
		seqs = append(seqs, buf.TX.Sequence)
		buf.Free()
	}
	require.Equal(t, []uint16{1, 2, 3}, seqs)
}

func TestDecryptTamperedByteFailsAndRestores(t *testing.T) {
	c, _ := newTestCodec(t)
	pool := buffer.NewPool(buffer.KindTX, 2, 512)
	buf := txBuffer(t, pool, []byte("tamper me"), buffer.AuthDevice)
	require.NoError(t, c.Encrypt(buf, true, 0))

	rxPool := buffer.NewPool(buffer.KindRX, 2, 512)
	rxBuf := rxPool.Alloc(buffer.Forever, 32, 16)
	require.True(t, rxBuf.Append(buf.Bytes()))

	original := append([]byte(nil), rxBuf.Bytes()...)

	// Flip the frame's last byte, inside the AEAD tag.
	tampered := rxBuf.Bytes()
	tampered[len(tampered)-1] ^= 0xFF

	err := c.Decrypt(rxBuf, true, 0)
	require.ErrorIs(t, err, codec.ErrDecryptFailed)
	require.Equal(t, buffer.AuthFailure, rxBuf.RX.Auth)
	require.Equal(t, original, rxBuf.Bytes(), "buffer must be restored bit-for-bit on decrypt failure")
}

func TestDecryptFrameTooShort(t *testing.T) {
	c, _ := newTestCodec(t)
	rxPool := buffer.NewPool(buffer.KindRX, 2, 64)
	rxBuf := rxPool.Alloc(buffer.Forever, 32, 16)
	require.True(t, rxBuf.Append([]byte("short")))

	err := c.Decrypt(rxBuf, true, 0)
	require.ErrorIs(t, err, codec.ErrFrameTooShort)
}

func TestDecryptDeviceMismatch(t *testing.T) {
	c, _ := newTestCodec(t)
	pool := buffer.NewPool(buffer.KindTX, 2, 512)
	buf := txBuffer(t, pool, []byte("not for you"), buffer.AuthDevice)
	require.NoError(t, c.Encrypt(buf, true, 0))

	otherKS := keys.NewMemKeyStore([32]byte{1, 2, 3, 4}, 0xDEADBEEF, 0x05, 0x01)
	other := codec.NewCodec(otherKS, 1, 512)
	other.Now = c.Now

	rxPool := buffer.NewPool(buffer.KindRX, 2, 512)
	rxBuf := rxPool.Alloc(buffer.Forever, 32, 16)
	require.True(t, rxBuf.Append(buf.Bytes()))

	err := other.Decrypt(rxBuf, true, 0)
	require.ErrorIs(t, err, codec.ErrDeviceMismatch)
}

func TestEncryptRemoteEncryptedPassthrough(t *testing.T) {
	c, _ := newTestCodec(t)
	pool := buffer.NewPool(buffer.KindTX, 2, 512)
	buf := txBuffer(t, pool, []byte("already sealed elsewhere"), buffer.AuthRemoteEncrypted)

	before := append([]byte(nil), buf.Bytes()...)
	require.NoError(t, c.Encrypt(buf, true, 0))
	require.Equal(t, before, buf.Bytes())
	require.Equal(t, uint16(0), buf.TX.Sequence, "passthrough frames never consume a sequence number")
}

func TestDecryptKeyUnavailable(t *testing.T) {
	c, _ := newTestCodec(t)
	pool := buffer.NewPool(buffer.KindTX, 2, 512)
	buf := txBuffer(t, pool, []byte("payload"), buffer.AuthDevice)
	require.NoError(t, c.Encrypt(buf, true, 0))

	ks := keys.NewMemKeyStore([32]byte{1, 2, 3, 4}, 0xAABBCCDD11, 0x05, 0x01)
	locked := codec.NewCodec(keys.Unknown{Inner: ks}, 1, 512)
	locked.Now = c.Now

	rxPool := buffer.NewPool(buffer.KindRX, 2, 512)
	rxBuf := rxPool.Alloc(buffer.Forever, 32, 16)
	require.True(t, rxBuf.Append(buf.Bytes()))

	err := locked.Decrypt(rxBuf, true, 0)
	require.ErrorIs(t, err, codec.ErrKeyUnavailable)
}
