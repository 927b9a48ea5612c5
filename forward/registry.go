package forward

import (
	"github.com/embeint/epacket/buffer"
	"github.com/embeint/epacket/transport"
)

// Registry resolves a direct FORWARD's destination interface to the
// transport.Device that owns it. A typical implementation is a small map
// built once at startup from the process's bound interfaces.
type Registry interface {
	Lookup(id buffer.InterfaceID) *transport.Device
}

// MapRegistry is the obvious Registry implementation: a fixed table
// built once at startup.
type MapRegistry map[buffer.InterfaceID]*transport.Device

func (m MapRegistry) Lookup(id buffer.InterfaceID) *transport.Device { return m[id] }
