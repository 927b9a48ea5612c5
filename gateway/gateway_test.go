package gateway_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/embeint/epacket/buffer"
	"github.com/embeint/epacket/codec"
	"github.com/embeint/epacket/dummytransport"
	"github.com/embeint/epacket/gateway"
	"github.com/embeint/epacket/handler"
	"github.com/embeint/epacket/keys"
	"github.com/embeint/epacket/pipeline"
	"github.com/embeint/epacket/transport"
)

func newTestGateway(t *testing.T, holdWindow time.Duration) (*gateway.Handler, *buffer.Pool, *dummytransport.Dummy, *pipeline.Pipeline, *codec.Codec) {
	t.Helper()
	txPool := buffer.NewPool(buffer.KindTX, 8, 512)
	ks := keys.NewMemKeyStore([32]byte{3}, 0xAABB, 0x02, 0x01)
	c := codec.NewCodec(ks, 1, 512)

	p := pipeline.New(pipeline.Config{
		TXPool:      txPool,
		Keys:        ks,
		RXQueueLen:  8,
		TXQueueLen:  8,
		MaxInterval: time.Second,
	}, txPool.NumFree())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = p.Run(ctx) }()
	t.Cleanup(cancel)

	backhaul := dummytransport.New(buffer.InterfaceUDP)
	backhaulDev := transport.NewDevice(backhaul, nil)

	def := &handler.Default{TXPool: txPool, Pipeline: p, Codec: c, Versioned: false}

	g := &gateway.Handler{
		Default:           def,
		Pipeline:          p,
		BackhaulPool:      txPool,
		BackhaulDevice:    backhaulDev,
		BackhaulCodec:     c,
		BackhaulVersioned: false,
		HoldWindow:        holdWindow,
		HeaderReserve:     32,
		FooterReserve:     16,
	}
	return g, txPool, backhaul, p, c
}

func btRXBuffer(t *testing.T, pool *buffer.Pool, payload []byte, auth buffer.AuthClass, packetType codec.PacketType) *buffer.Buffer {
	t.Helper()
	buf := pool.Alloc(buffer.Forever, 32, 16)
	require.True(t, buf.Append(payload))
	buf.RX.InterfaceID = buffer.InterfaceBTCentral
	buf.RX.Auth = auth
	buf.RX.Type = uint8(packetType)
	buf.RX.RSSI = -42
	buf.RX.PacketDeviceID = 0x1122334455
	buf.RX.PacketGPSTime = 1_700_000_000
	buf.RX.Sequence = 7
	buf.RX.KeyIdentifier = 0x010203
	return buf
}

func TestGatewayGroupingWithRPCRspForcesFlush(t *testing.T) {
	g, _, backhaul, _, c := newTestGateway(t, 200*time.Millisecond)
	rxPool := buffer.NewPool(buffer.KindRX, 4, 512)
	dev := transport.NewDevice(dummytransport.New(buffer.InterfaceBTCentral), nil)

	tdf := btRXBuffer(t, rxPool, make([]byte, 60), buffer.AuthDevice, codec.PacketTDF)
	g.Handle(dev, tdf)

	require.Never(t, func() bool { return len(backhaul.Sent()) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"hold window must not flush immediately")

	rpcRsp := btRXBuffer(t, rxPool, make([]byte, 20), buffer.AuthDevice, codec.PacketRPCRsp)
	g.Handle(dev, rpcRsp)

	require.Eventually(t, func() bool { return len(backhaul.Sent()) == 1 }, 10*time.Millisecond, time.Millisecond,
		"RPC_RSP must force an immediate flush")

	sent := backhaul.Sent()[0]
	decodePool := buffer.NewPool(buffer.KindRX, 1, 512)
	decoded := decodePool.Alloc(buffer.Forever, 32, 16)
	require.True(t, decoded.Append(sent.Payload))
	require.NoError(t, c.Decrypt(decoded, false, 0))

	appendages, err := gateway.DecodeAppendages(decoded.Bytes())
	require.NoError(t, err)
	require.Len(t, appendages, 2, "both packets must be grouped into a single backhaul frame")
	require.Len(t, appendages[0].Payload, 60)
	require.Len(t, appendages[1].Payload, 20)
}

func TestGatewayAppendageRoundTrip(t *testing.T) {
	g, _, backhaul, _, c := newTestGateway(t, 0) // grouping disabled: flush per appendage
	rxPool := buffer.NewPool(buffer.KindRX, 2, 512)
	dev := transport.NewDevice(dummytransport.New(buffer.InterfaceBTCentral), nil)

	payload := []byte("hello backhaul")
	buf := btRXBuffer(t, rxPool, payload, buffer.AuthNetwork, codec.PacketTDF)
	buf.RX.InterfaceAddress.BT.Type = buffer.BTAddressRandom
	buf.RX.InterfaceAddress.BT.Addr = [6]byte{1, 2, 3, 4, 5, 6}

	g.Handle(dev, buf)

	require.Eventually(t, func() bool { return len(backhaul.Sent()) == 1 }, time.Second, time.Millisecond)

	sent := backhaul.Sent()[0]
	decodePool := buffer.NewPool(buffer.KindRX, 1, 512)
	decoded := decodePool.Alloc(buffer.Forever, 32, 16)
	require.True(t, decoded.Append(sent.Payload))
	require.NoError(t, c.Decrypt(decoded, false, 0))

	appendages, err := gateway.DecodeAppendages(decoded.Bytes())
	require.NoError(t, err)
	require.Len(t, appendages, 1)

	a := appendages[0]
	require.Equal(t, buffer.InterfaceBTCentral, a.InterfaceID)
	require.Equal(t, buffer.BTAddressRandom, a.Address.BT.Type)
	require.Equal(t, [6]byte{1, 2, 3, 4, 5, 6}, a.Address.BT.Addr)
	require.Equal(t, uint8(42), a.RSSI)
	require.True(t, a.AuthOK)
	require.Equal(t, payload, a.Payload)
}

func TestGatewayRebootInterlockDropsPackets(t *testing.T) {
	g, _, backhaul, _, _ := newTestGateway(t, 0)
	g.Rebooting = func() bool { return true }

	rxPool := buffer.NewPool(buffer.KindRX, 1, 512)
	dev := transport.NewDevice(dummytransport.New(buffer.InterfaceBTCentral), nil)
	buf := btRXBuffer(t, rxPool, []byte("x"), buffer.AuthDevice, codec.PacketTDF)

	g.Handle(dev, buf)

	require.Equal(t, 1, rxPool.NumFree())
	require.Empty(t, backhaul.Sent())
}

func TestGatewayBackpressureRequestsPeerPause(t *testing.T) {
	g, txPool, _, p, _ := newTestGateway(t, 0)
	g.LowWaterMargin = 100 // always below margin given pool size 8
	g.RateLimitDelay = 75

	central := dummytransport.New(buffer.InterfaceBTCentral)
	centralDev := transport.NewDevice(central, nil)
	g.BTCentralDevice = centralDev

	rxPool := buffer.NewPool(buffer.KindRX, 1, 512)
	dev := transport.NewDevice(dummytransport.New(buffer.InterfaceBTCentral), nil)
	buf := btRXBuffer(t, rxPool, []byte("x"), buffer.AuthDevice, codec.PacketTDF)

	g.Handle(dev, buf)

	require.Eventually(t, func() bool { return len(central.Sent()) >= 1 }, time.Second, time.Millisecond)
	_ = txPool
	_ = p
}
