package commands

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/embeint/epacket/buffer"
	"github.com/embeint/epacket/handler"
)

// deviceCmd runs epacketd in device mode: a single dummy interface bound
// to the default receive handler, answering ECHO_REQ/RPC traffic locally
// rather than forwarding it to a backhaul.
func deviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "device",
		Short: "Run a single-interface device with the default receive handler",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			r, err := buildRig(buffer.InterfaceDummy)
			if err != nil {
				return err
			}

			h := &handler.Default{
				TXPool:        r.txPool,
				Pipeline:      r.pipeline,
				Codec:         r.codec,
				Versioned:     true,
				KeyTag:        deviceKeyTag,
				HeaderReserve: r.cfg.Pipeline.HeaderReserve,
				FooterReserve: r.cfg.Pipeline.FooterReserve,
				Logger:        r.logger,
			}
			r.device.SetReceiveHandler(h.Handle)

			r.logger.Info("device mode ready", slog.String("interface", buffer.InterfaceDummy.String()))
			return r.run()
		},
	}
}
