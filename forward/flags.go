package forward

// Flags is the FORWARD_AUTO_CONN flags byte (spec.md 4.G).
type Flags uint8

const (
	// FlagSubData subscribes to the data notification characteristic on
	// the remote once connected.
	FlagSubData Flags = 1 << iota
	// FlagSingleRPC initiates a graceful disconnect after the first
	// RPC_RSP arrives on this connection.
	FlagSingleRPC
	// FlagDCNotification emits a CONN_TERMINATED packet on the original
	// backhaul on disconnect for any reason, including failed setup.
	FlagDCNotification
	// FlagPrioritiseUplink sets the HIGH_PRIORITY_UPLINK application
	// state (via Engine.PrioritiseUplink) once the connection is ready
	// and clears it at teardown. The state has no timeout of its own and
	// is not refreshed by received packets.
	FlagPrioritiseUplink
)

// Has reports whether all bits in want are set.
func (f Flags) Has(want Flags) bool { return f&want == want }
