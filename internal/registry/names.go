// Package registry holds the process-wide name registry and connection
// registry (§3, §4.3): passive shared state guarded by its own lock, the
// way the teacher's internal/table/table.go owns a single struct-level
// mutex rather than routing every read through a channel.
package registry

import (
	"sync"

	"github.com/google/uuid"
)

// Handle is the per-session cookie mentioned in §9's design notes: it is
// checked before any close/cleanup so that OS fd reuse (or, here, a stale
// goroutine) cannot evict a newer session. It is a random uuid rather than
// a counter; handles are only ever compared for equality and are not
// written to any log line.
type Handle = uuid.UUID

// NewHandle mints a fresh per-session handle.
func NewHandle() Handle { return uuid.New() }

type nameEntry struct {
	handle   Handle
	backReq  bool
}

// Names is the process-wide set of reserved player names (§4.3). At most
// one entry exists per name at any instant.
type Names struct {
	mu      sync.Mutex
	entries map[string]*nameEntry
	cap     int
}

// NewNames constructs a name registry bounded at capacity entries (mirrors
// server.c's ACTIVE_MAX).
func NewNames(capacity int) *Names {
	return &Names{entries: make(map[string]*nameEntry), cap: capacity}
}

// Has reports whether name is currently reserved.
func (n *Names) Has(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.entries[name]
	return ok
}

// Add reserves name with no bound handle yet. Fails when the registry is at
// capacity or the name already exists.
func (n *Names) Add(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.entries[name]; ok {
		return false
	}
	if len(n.entries) >= n.cap {
		return false
	}
	n.entries[name] = &nameEntry{}
	return true
}

// Bind stores handle as the current owner of name. The
// caller must have already reserved name with Add (or this is a
// reconnect rebinding an existing entry).
func (n *Names) Bind(name string, handle Handle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.entries[name]
	if !ok {
		e = &nameEntry{}
		n.entries[name] = e
	}
	e.handle = handle
}

// RemoveIfHandle removes name only if its currently stored handle equals
// handle, making cleanup idempotent under reconnects (§4.3 rationale).
func (n *Names) RemoveIfHandle(name string, handle Handle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.entries[name]
	if !ok || e.handle != handle {
		return
	}
	delete(n.entries, name)
}

// MarkBack sets the pending "back to lobby" flag for name, guarded by
// handle: if handle is the zero value the guard is skipped (the match
// goroutine always passes the zero value).
func (n *Names) MarkBack(name string, handle Handle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.entries[name]
	if !ok {
		return
	}
	if handle != (Handle{}) && e.handle != handle {
		return
	}
	e.backReq = true
}

// TakeBack atomically tests-and-clears the back flag guarded by handle.
func (n *Names) TakeBack(name string, handle Handle) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.entries[name]
	if !ok || !e.backReq {
		return false
	}
	if handle != (Handle{}) && e.handle != handle {
		return false
	}
	e.backReq = false
	return true
}
