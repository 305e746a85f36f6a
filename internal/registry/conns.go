package registry

import (
	"net"
	"sync"
)

// Conns is the set of live client sockets used only for shutdown broadcast
// (§3/§4.7), grounded on server.c's g_client_fds/client_fd_add/remove.
type Conns struct {
	mu    sync.Mutex
	conns map[Handle]net.Conn
}

// NewConns constructs an empty connection registry.
func NewConns() *Conns {
	return &Conns{conns: make(map[Handle]net.Conn)}
}

// Add registers a live connection under handle.
func (c *Conns) Add(handle Handle, conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[handle] = conn
}

// Remove unregisters handle.
func (c *Conns) Remove(handle Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, handle)
}

// Snapshot returns a point-in-time copy of the live connections, safe to
// iterate and write to without holding the registry lock (matches
// server.c:server_notify_and_disconnect_all's snapshot-then-release
// pattern).
func (c *Conns) Snapshot() []net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]net.Conn, 0, len(c.conns))
	for _, conn := range c.conns {
		out = append(out, conn)
	}
	return out
}
