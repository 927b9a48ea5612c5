package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/embeint/epacket/buffer"
	"github.com/embeint/epacket/codec"
	"github.com/embeint/epacket/dummytransport"
	"github.com/embeint/epacket/keys"
	"github.com/embeint/epacket/pipeline"
	"github.com/embeint/epacket/transport"
)

func newRunningPipeline(t *testing.T, txPool *buffer.Pool, ks codec.KeyStore) (*pipeline.Pipeline, context.CancelFunc) {
	t.Helper()
	p := pipeline.New(pipeline.Config{
		TXPool:        txPool,
		Keys:          ks,
		HeaderReserve: 32,
		FooterReserve: 16,
		RXQueueLen:    8,
		TXQueueLen:    8,
		MaxInterval:   20 * time.Millisecond,
	}, txPool.NumFree())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = p.Run(ctx) }()
	t.Cleanup(cancel)
	return p, cancel
}

func TestWatchdogFedOnIdleTicks(t *testing.T) {
	txPool := buffer.NewPool(buffer.KindTX, 2, 128)
	ks := keys.NewMemKeyStore([32]byte{9}, 1, 1, 1)
	p, _ := newRunningPipeline(t, txPool, ks)

	select {
	case <-p.Watchdog:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("watchdog channel never fed")
	}
}

func TestKeyIDRequestRateLimited(t *testing.T) {
	txPool := buffer.NewPool(buffer.KindTX, 4, 128)
	rxPool := buffer.NewPool(buffer.KindRX, 4, 128)
	ks := keys.NewMemKeyStore([32]byte{9}, 1, 0x42, 1)
	p, _ := newRunningPipeline(t, txPool, ks)

	d := dummytransport.New(buffer.InterfaceDummy)
	dev := transport.NewDevice(d, nil)
	p.BindInterface(buffer.InterfaceDummy, dev, codec.NewCodec(ks, 1, 128), true, 0)

	send := func() {
		buf := rxPool.Alloc(buffer.Forever, 32, 16)
		require.True(t, buf.Append([]byte{codec.MagicKeyIDReq}))
		buf.RX.InterfaceID = buffer.InterfaceDummy
		p.EnqueueRX(buf)
	}

	send()
	select {
	case reply := <-p.TXForTest():
		require.Equal(t, uint8(codec.PacketKeyIDs), reply.TX.Type)
		reply.Free()
	case <-time.After(time.Second):
		t.Fatal("first KEY_ID_REQ produced no reply")
	}

	send()
	select {
	case reply := <-p.TXForTest():
		reply.Free()
		t.Fatal("second KEY_ID_REQ within one second must be rate-limited")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRateLimitRequestUpdatesSharedState(t *testing.T) {
	txPool := buffer.NewPool(buffer.KindTX, 2, 128)
	rxPool := buffer.NewPool(buffer.KindRX, 2, 128)
	ks := keys.NewMemKeyStore([32]byte{9}, 1, 1, 1)
	p, _ := newRunningPipeline(t, txPool, ks)

	var slept time.Duration
	p.Rate.Sleep = func(d time.Duration) { slept = d }

	buf := rxPool.Alloc(buffer.Forever, 32, 16)
	payload := []byte{codec.MagicRateLimitReq, 50, 0} // delay_ms = 50, kind bit clear
	require.True(t, buf.Append(payload))
	buf.RX.InterfaceID = buffer.InterfaceDummy
	p.EnqueueRX(buf)

	require.Eventually(t, func() bool {
		p.Rate.Apply(0)
		return slept == 50*time.Millisecond
	}, time.Second, 5*time.Millisecond)
}

func TestEchoRoundTripThroughPipelineAndTransport(t *testing.T) {
	txPool := buffer.NewPool(buffer.KindTX, 4, 256)
	rxPool := buffer.NewPool(buffer.KindRX, 4, 256)
	ks := keys.NewMemKeyStore([32]byte{9}, 0x1122334455, 0x01, 0x01)
	p, _ := newRunningPipeline(t, txPool, ks)

	c := codec.NewCodec(ks, 1, 256)
	d := dummytransport.New(buffer.InterfaceDummy)
	dev := transport.NewDevice(d, echoHandler{txPool: txPool, codec: c, p: p}.Handle)
	p.BindInterface(buffer.InterfaceDummy, dev, c, true, 0)

	plaintext := []byte("ABCDEFGH")
	tx := txPool.Alloc(buffer.Forever, 32, 16)
	require.True(t, tx.Append(plaintext))
	tx.TX.Type = uint8(codec.PacketEchoReq)
	tx.TX.Auth = buffer.AuthDevice
	require.NoError(t, c.Encrypt(tx, true, 0))

	rx := rxPool.Alloc(buffer.Forever, 32, 16)
	require.True(t, rx.Append(tx.Bytes()))
	rx.RX.InterfaceID = buffer.InterfaceDummy
	tx.Free()

	p.EnqueueRX(rx)

	require.Eventually(t, func() bool {
		return len(d.Sent()) == 1
	}, time.Second, 5*time.Millisecond)

	// The encrypted reply went out over the dummy transport; decrypt it
	// back to confirm the round trip.
	sent := d.Sent()[0]
	replyPool := buffer.NewPool(buffer.KindRX, 1, 256)
	replyBuf := replyPool.Alloc(buffer.Forever, 32, 16)
	require.True(t, replyBuf.Append(sent.Payload))
	require.NoError(t, c.Decrypt(replyBuf, true, 0))
	require.Equal(t, plaintext, replyBuf.Bytes())
	require.Equal(t, uint8(codec.PacketEchoRsp), replyBuf.RX.Type)
}

// echoHandler is a minimal transport.ReceiveHandler standing in for
// package handler, so this test exercises the pipeline on its own.
type echoHandler struct {
	txPool *buffer.Pool
	codec  *codec.Codec
	p      *pipeline.Pipeline
}

func (e echoHandler) Handle(dev *transport.Device, buf *buffer.Buffer) {
	if buf.RX.Auth == buffer.AuthFailure {
		buf.Free()
		return
	}
	reply := e.txPool.Alloc(buffer.NoWait, 32, 16)
	if reply == nil {
		buf.Free()
		return
	}
	reply.Append(buf.Bytes())
	reply.TX.Type = uint8(codec.PacketEchoRsp)
	reply.TX.Auth = buf.RX.Auth
	reply.TX.DestinationAddress = buffer.AllPeers
	buf.Free()

	if err := e.codec.Encrypt(reply, true, 0); err != nil {
		reply.Free()
		return
	}
	e.p.EnqueueTX(dev, reply)
}
