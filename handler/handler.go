// Package handler implements the default receive handler: the fallback
// every interface dispatches decrypted, callback-surviving packets to
// unless it has been swapped for the gateway handler (package gateway).
package handler

import (
	"log/slog"

	"github.com/embeint/epacket/buffer"
	"github.com/embeint/epacket/codec"
	"github.com/embeint/epacket/pipeline"
	"github.com/embeint/epacket/transport"
)

// RPCServer is the external collaborator RPC_CMD/RPC_DATA packets are
// handed to. Ownership of the buffer transfers to it; the handler never
// frees a buffer it enqueues here.
type RPCServer interface {
	EnqueueCommand(buf *buffer.Buffer)
	EnqueueData(buf *buffer.Buffer)
}

// Default is spec.md 4.E's default receive handler. One instance binds
// to a single interface: the codec fields must match the variant that
// interface's pipeline binding decrypts with, since handle_tx never
// touches the codec itself — every TX buffer reaching the pipeline must
// already be framed.
type Default struct {
	TXPool   *buffer.Pool
	Pipeline *pipeline.Pipeline
	RPC      RPCServer

	Codec     *codec.Codec
	Versioned bool
	KeyTag    codec.InterfaceKeyTag

	HeaderReserve int
	FooterReserve int

	Logger *slog.Logger
}

func (h *Default) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// Handle implements transport.ReceiveHandler.
func (h *Default) Handle(dev *transport.Device, buf *buffer.Buffer) {
	if buf.RX.Auth == buffer.AuthFailure {
		buf.Free()
		return
	}

	switch codec.PacketType(buf.RX.Type) {
	case codec.PacketEchoReq:
		h.handleEcho(dev, buf)
	case codec.PacketRPCCmd:
		if h.RPC != nil {
			h.RPC.EnqueueCommand(buf)
			return
		}
		buf.Free()
	case codec.PacketRPCData:
		if h.RPC != nil {
			h.RPC.EnqueueData(buf)
			return
		}
		buf.Free()
	default:
		buf.Free()
	}
}

func (h *Default) handleEcho(dev *transport.Device, buf *buffer.Buffer) {
	reply := h.TXPool.Alloc(buffer.NoWait, h.HeaderReserve, h.FooterReserve)
	if reply == nil {
		h.logger().Warn("echo reply allocation failed",
			slog.String("interface", buf.RX.InterfaceID.String()))
		buf.Free()
		return
	}

	reply.Append(buf.Bytes())
	reply.TX.Type = uint8(codec.PacketEchoRsp)
	reply.TX.Auth = buf.RX.Auth
	reply.TX.DestinationAddress = buffer.AllPeers
	buf.Free()

	if err := h.Codec.Encrypt(reply, h.Versioned, h.KeyTag); err != nil {
		h.logger().Warn("echo reply encrypt failed", slog.String("error", err.Error()))
		reply.Free()
		return
	}

	h.Pipeline.EnqueueTX(dev, reply)
}
