package forward

import (
	"context"

	"github.com/embeint/epacket/buffer"
	"github.com/embeint/epacket/transport"
)

// Connector abstracts the physical Bluetooth central role so the
// auto-connect state machine is testable without a real radio. A real
// implementation wraps whatever HCI/GATT binding the platform provides.
type Connector interface {
	// Connect blocks until the link and its security procedure (the
	// SECURITY_READ state) complete, or ctx is done.
	Connect(ctx context.Context, addr buffer.BTAddress) (*transport.Device, error)
	// SubscribeData enables the data notification characteristic used to
	// receive RPC responses and uplinked data on this connection.
	SubscribeData(ctx context.Context, dev *transport.Device) error
	// Disconnect tears the link down. Called at most once per Connect.
	Disconnect(dev *transport.Device) error
}
