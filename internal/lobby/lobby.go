// Package lobby implements the fixed-size lobby pool (§3, §4.4): each lobby
// owns a deck, up to two player slots, a running flag and its own lock,
// grounded on game.c's Lobby/Player structs, restructured as methods on a
// Pool type the way the teacher's internal/cluster/manager.go wraps a map
// of *table.Table under one lock.
package lobby

import (
	"errors"
	"math/rand"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gr3dn/blackjackd/internal/cards"
	"github.com/gr3dn/blackjackd/internal/registry"
)

// Size is the number of player slots per lobby (§1: two-player Blackjack).
const Size = 2

var (
	// ErrBadIndex is returned for a lobby index outside [0, count).
	ErrBadIndex = errors.New("lobby: index out of range")
	// ErrFull is returned when a lobby has no free slot.
	ErrFull = errors.New("lobby: full")
	// ErrNotFound is returned when a named slot doesn't exist for an
	// operation that requires one.
	ErrNotFound = errors.New("lobby: player not found")
)

// Slot is a single player's seat inside a lobby (§3).
type Slot struct {
	Name      string
	Hand      cards.Hand
	Connected bool
	Handle    registry.Handle
	Conn      net.Conn // nil while disconnected mid-match; visible to the match goroutine
	Stood     bool
	Busted    bool

	// pendingConn/pendingHandle hold a reconnecting socket reserved by
	// TryReconnect but not yet promoted into Conn. The match goroutine
	// only ever reads Conn, so a reconnect stays invisible to it until
	// ConfirmReconnect runs, giving the session a chance to write
	// C45REC_OK first without racing the match's own replay writes onto
	// the same socket (§5 single-writer guarantee).
	pendingConn   net.Conn
	pendingHandle registry.Handle
}

// Lobby is a container for at most Size players hosting one match at a
// time (§3). slots, playerCount and running are guarded by mu; Deck and
// rng are used without the lock by the one match goroutine of this lobby.
type Lobby struct {
	mu          sync.Mutex
	Index       int
	slots       [Size]Slot
	playerCount int
	running     bool
	Deck        *cards.Deck
	rng         *rand.Rand
}

// Snapshot is a point-in-time, lock-free copy of a lobby's occupancy used
// for the protocol snapshot line.
type Snapshot struct {
	PlayerCount int
	Running     bool
}

func newLobby(idx int, rng *rand.Rand) *Lobby {
	l := &Lobby{Index: idx, Deck: cards.NewDeck(), rng: rng}
	l.Deck.Shuffle(rng)
	return l
}

// Pool is the fixed-size array of lobbies (§3/§4.4).
type Pool struct {
	lobbies []*Lobby
	log     zerolog.Logger
}

// NewPool allocates count lobbies, each with its own shuffled deck,
// grounded on game.c:lobbies_init. Per §4.2 the process seeds a single RNG
// once at startup, but *rand.Rand is not safe for concurrent use and two
// lobbies can have matches running at once, so each lobby gets its own
// private source seeded off of seed rather than sharing seed's *rand.Rand
// directly.
func NewPool(count int, seed *rand.Rand, log zerolog.Logger) *Pool {
	p := &Pool{lobbies: make([]*Lobby, count), log: log}
	for i := range p.lobbies {
		p.lobbies[i] = newLobby(i, rand.New(rand.NewSource(seed.Int63())))
	}
	return p
}

// Count returns the number of lobbies in the pool.
func (p *Pool) Count() int { return len(p.lobbies) }

// Get returns the lobby at idx, or nil if idx is out of range.
func (p *Pool) Get(idx int) *Lobby {
	if idx < 0 || idx >= len(p.lobbies) {
		return nil
	}
	return p.lobbies[idx]
}

// Snapshot returns the occupancy of every lobby in index order, used to
// build the protocol snapshot line (§4.1).
func (p *Pool) Snapshot() []Snapshot {
	out := make([]Snapshot, len(p.lobbies))
	for i, l := range p.lobbies {
		l.mu.Lock()
		out[i] = Snapshot{PlayerCount: l.playerCount, Running: l.running}
		l.mu.Unlock()
	}
	return out
}

// NameExists scans every lobby for a connected slot holding name (§4.4).
func (p *Pool) NameExists(name string) bool {
	for _, l := range p.lobbies {
		l.mu.Lock()
		found := l.hasConnected(name)
		l.mu.Unlock()
		if found {
			return true
		}
	}
	return false
}

func (l *Lobby) hasConnected(name string) bool {
	for i := range l.slots {
		if l.slots[i].Connected && l.slots[i].Name == name {
			return true
		}
	}
	return false
}

// TryAdd places name in the first empty slot of the lobby at idx (§4.4).
func (p *Pool) TryAdd(idx int, name string) error {
	l := p.Get(idx)
	if l == nil {
		return ErrBadIndex
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.playerCount >= Size {
		return ErrFull
	}
	for i := range l.slots {
		if !l.slots[i].Connected {
			l.slots[i] = Slot{Name: name, Connected: true}
			l.playerCount++
			p.log.Info().Int("lobby", idx+1).Str("name", name).Int("slot", i).Msg("player joined")
			return nil
		}
	}
	return ErrFull
}

// AttachConn binds conn/handle to the slot already reserved for name
// (§4.4).
func (p *Pool) AttachConn(idx int, name string, conn net.Conn, handle registry.Handle) error {
	l := p.Get(idx)
	if l == nil {
		return ErrBadIndex
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.slots {
		if l.slots[i].Connected && l.slots[i].Name == name {
			l.slots[i].Conn = conn
			l.slots[i].Handle = handle
			return nil
		}
	}
	return ErrNotFound
}

// TryReconnect succeeds only if the lobby is running AND a slot with this
// name currently has no live or pending connection (§4.4/§4.5.1). The
// connection is only reserved here, not yet exposed to the match
// goroutine; the caller must call ConfirmReconnect after it has written
// its own response to conn (§5).
func (p *Pool) TryReconnect(idx int, name string, conn net.Conn, handle registry.Handle) bool {
	l := p.Get(idx)
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return false
	}
	for i := range l.slots {
		s := &l.slots[i]
		if s.Connected && s.Name == name && s.Conn == nil && s.pendingConn == nil {
			s.pendingConn = conn
			s.pendingHandle = handle
			p.log.Info().Int("lobby", idx+1).Str("name", name).Msg("player reconnected mid-match")
			return true
		}
	}
	return false
}

// ConfirmReconnect promotes a connection reserved by TryReconnect from
// pending to live, making it visible to the match goroutine's connFor for
// the first time. Call only after writing a response on that connection.
func (p *Pool) ConfirmReconnect(idx int, name string) {
	l := p.Get(idx)
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.slots {
		s := &l.slots[i]
		if s.Connected && s.Name == name && s.pendingConn != nil {
			s.Conn = s.pendingConn
			s.Handle = s.pendingHandle
			s.pendingConn = nil
			s.pendingHandle = registry.Handle{}
			return
		}
	}
}

// CancelReconnect drops a connection reserved by TryReconnect without ever
// exposing it to the match goroutine, used when the session fails to
// write its own response on the reserved socket.
func (p *Pool) CancelReconnect(idx int, name string) {
	l := p.Get(idx)
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.slots {
		s := &l.slots[i]
		if s.Connected && s.Name == name {
			s.pendingConn = nil
			s.pendingHandle = registry.Handle{}
			return
		}
	}
}

// TryTakeoverWaiting succeeds only if the lobby is NOT running AND a slot
// with this name exists; it replaces the stored connection and returns the
// previous one so the caller can shut it down (§4.4/§4.5.1).
func (p *Pool) TryTakeoverWaiting(idx int, name string, conn net.Conn, handle registry.Handle) (ok bool, oldConn net.Conn) {
	l := p.Get(idx)
	if l == nil {
		return false, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return false, nil
	}
	for i := range l.slots {
		s := &l.slots[i]
		if s.Connected && s.Name == name {
			old := s.Conn
			s.Conn = conn
			s.Handle = handle
			p.log.Info().Int("lobby", idx+1).Str("name", name).Msg("player took over waiting slot")
			return true, old
		}
	}
	return false, nil
}

// RemoveByNameIfConn removes name's slot only if its stored connection
// equals conn, guarding against reconnect races (§3/§4.4).
func (p *Pool) RemoveByNameIfConn(idx int, name string, conn net.Conn) {
	l := p.Get(idx)
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.slots {
		s := &l.slots[i]
		if s.Connected && s.Name == name && s.Conn == conn {
			l.slots[i] = Slot{}
			l.playerCount--
			return
		}
	}
}

// RemoveByName unconditionally vacates name's slot in the lobby at idx,
// used by the match goroutine at settlement (§4.6.3) where it already owns
// the lobby's lifecycle for this match.
func (p *Pool) RemoveByName(idx int, name string) {
	l := p.Get(idx)
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.slots {
		if l.slots[i].Connected && l.slots[i].Name == name {
			l.slots[i] = Slot{}
			l.playerCount--
			p.log.Info().Int("lobby", idx+1).Str("name", name).Msg("player removed")
			return
		}
	}
}

// IsRunning reports the lobby's running flag.
func (l *Lobby) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// StartIfReady atomically flips running 0->1 when the lobby is full and
// not already running, and reports whether this call won the transition
// (§3/§4.4: "start_if_ready is idempotent"). The caller spawns the match
// goroutine only when ok is true.
func (p *Pool) StartIfReady(idx int) (ok bool) {
	l := p.Get(idx)
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running || l.playerCount != Size {
		return false
	}
	l.running = true
	p.log.Info().Int("lobby", idx+1).Msg("lobby filled, starting match")
	return true
}

// SetRunning sets the running flag directly; used by the match goroutine
// to flip back to false at settlement (§4.6.3).
func (l *Lobby) SetRunning(running bool) {
	l.mu.Lock()
	l.running = running
	l.mu.Unlock()
}

// WithLock runs fn with the lobby's lock held, giving the match goroutine
// a single controlled escape hatch for multi-field reads/writes (deal,
// turn bookkeeping) without exporting every field. Never call a blocking
// socket write while holding this lock (§5 ordering guarantee).
func (l *Lobby) WithLock(fn func(slots *[Size]Slot)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.slots)
}

// Rand returns the lobby's private RNG. It is only ever read from the one
// match goroutine that owns this lobby while it is running, so it needs no
// locking of its own; its seed derives from the single process-wide seed
// per §4.2.
func (l *Lobby) Rand() *rand.Rand { return l.rng }
