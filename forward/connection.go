package forward

import (
	"sync"
	"time"

	"github.com/embeint/epacket/buffer"
	"github.com/embeint/epacket/transport"
)

// Connection is the per-remote auto-connect state spec.md 4.G tracks:
// one per Bluetooth address the engine has established or is
// establishing a connection to.
type Connection struct {
	Address buffer.BTAddress
	Device  *transport.Device

	mu    sync.Mutex
	state State

	idleTimer     *time.Timer
	absoluteTimer *time.Timer
	unregister    func()
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) getState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// markTerminated transitions to TERMINATED and reports whether this call
// performed the transition, so a caller can tell a genuine first
// teardown from a race against one that already ran.
func (c *Connection) markTerminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateTerminated {
		return false
	}
	c.state = StateTerminated
	return true
}

// configureTimers starts the idle and absolute timers once a connection
// reaches READY. onExpire is called with the applicable reason from
// whichever timer fires first.
func (c *Connection) configureTimers(idle, absolute time.Duration, onExpire func(DisconnectReason)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idle > 0 {
		c.idleTimer = time.AfterFunc(idle, func() { onExpire(ReasonIdleTimeout) })
	}
	if absolute > 0 {
		c.absoluteTimer = time.AfterFunc(absolute, func() { onExpire(ReasonAbsoluteTimeout) })
	}
}

// refreshIdle extends the idle timer, called on every packet received
// on this connection.
func (c *Connection) refreshIdle(idle time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idleTimer != nil && idle > 0 {
		c.idleTimer.Reset(idle)
	}
}

// clearTimers stops both timers on entry to TERMINATED (spec.md 4.G).
func (c *Connection) clearTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	if c.absoluteTimer != nil {
		c.absoluteTimer.Stop()
	}
}
