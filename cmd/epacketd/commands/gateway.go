package commands

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/embeint/epacket/buffer"
	"github.com/embeint/epacket/dummytransport"
	"github.com/embeint/epacket/gateway"
	"github.com/embeint/epacket/handler"
	"github.com/embeint/epacket/transport"
)

// gatewayCmd runs epacketd in gateway mode: a BT-central-flavoured dummy
// interface whose received packets are grouped and relayed to a second
// dummy backhaul interface instead of being handled locally.
func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run a gateway that groups BT-sourced packets onto a backhaul interface",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			r, err := buildRig(buffer.InterfaceBTCentral)
			if err != nil {
				return err
			}

			backhaulTr := dummytransport.New(buffer.InterfaceDummy)
			backhaulDev := transport.NewDevice(backhaulTr, nil)
			r.pipeline.BindInterface(buffer.InterfaceDummy, backhaulDev, r.codec, true, deviceKeyTag)

			fallback := &handler.Default{
				TXPool:        r.txPool,
				Pipeline:      r.pipeline,
				Codec:         r.codec,
				Versioned:     true,
				KeyTag:        deviceKeyTag,
				HeaderReserve: r.cfg.Pipeline.HeaderReserve,
				FooterReserve: r.cfg.Pipeline.FooterReserve,
				Logger:        r.logger,
			}

			g := &gateway.Handler{
				Default:           fallback,
				Pipeline:          r.pipeline,
				BackhaulPool:      r.txPool,
				BackhaulDevice:    backhaulDev,
				BackhaulCodec:     r.codec,
				BackhaulVersioned: true,
				BackhaulKeyTag:    deviceKeyTag,
				BTCentralDevice:   r.device,
				HoldWindow:        r.cfg.Gateway.HoldWindow,
				LowWaterMargin:    r.cfg.Gateway.LowWaterMargin,
				RateLimitDelay:    r.cfg.Gateway.RateLimitDelay,
				HeaderReserve:     r.cfg.Pipeline.HeaderReserve,
				FooterReserve:     r.cfg.Pipeline.FooterReserve,
			}
			r.device.SetReceiveHandler(g.Handle)

			r.logger.Info("gateway mode ready",
				slog.String("interface", buffer.InterfaceBTCentral.String()),
				slog.String("backhaul", buffer.InterfaceDummy.String()),
			)
			return r.run()
		},
	}
}
