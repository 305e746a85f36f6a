// Package session implements the per-connection state machine (§4.5):
// HANDSHAKE -> LOBBY_SELECT -> WAITING -> IN_MATCH -> POST_MATCH, grounded
// on server.c:client_thread. The teacher's equivalent
// (internal/table/takeover.go plus cluster/node.go's per-connection
// dispatch loop) inspired the explicit-state-machine shape over goroutine
// callback soup: each state is its own method, named per design note 9
// rather than the original's goto chain.
package session

import (
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/gr3dn/blackjackd/internal/lobby"
	"github.com/gr3dn/blackjackd/internal/protocol"
	"github.com/gr3dn/blackjackd/internal/registry"
)

// Timing constants for states the match state machine does not own.
const (
	handshakeIdleTimeout  = 60 * time.Second
	lobbyIdleTimeout      = 60 * time.Second
	waitPollInterval      = 200 * time.Millisecond
	postMatchPollInterval = 60 * time.Second

	// reconnectGraceTotal/reconnectGraceSlice implement §4.5.1's "short
	// bounded grace (~3s in ~50ms slices)" so a just-disconnected old
	// socket has time to be marked absent in its lobby slot before a
	// reconnect attempt is given up on.
	reconnectGraceTotal = 3 * time.Second
	reconnectGraceSlice = 50 * time.Millisecond
)

// state names the explicit states of §4.5's transition table.
type state int

const (
	stateHandshake state = iota
	stateLobbySelect
	stateWaiting
	stateInMatch
	statePostMatch
	stateTerminal
)

// MatchSpawner starts a match goroutine for a lobby that just won the
// running 0->1 transition. Supplied by the caller (the acceptor/server
// wiring) to avoid an import cycle between session and match.
type MatchSpawner func(lobbyIdx int)

// Session drives one client connection through the full state machine.
type Session struct {
	conn  net.Conn
	lr    *protocol.LineReader
	w     *protocol.Writer
	pool  *lobby.Pool
	names *registry.Names
	conns *registry.Conns
	spawn MatchSpawner
	log   zerolog.Logger

	name     string
	handle   registry.Handle
	lobbyIdx int
	haveName bool

	// waitingNudge enables the legacy C45WAITING periodic ping during
	// WAITING (§9 design note: "legacy artifact ... keep only if
	// required by the existing client"). Off by default.
	waitingNudge bool
}

// New constructs a Session for a freshly accepted connection.
func New(conn net.Conn, pool *lobby.Pool, names *registry.Names, conns *registry.Conns, spawn MatchSpawner, log zerolog.Logger) *Session {
	return &Session{
		conn:  conn,
		lr:    protocol.NewLineReader(conn, conn),
		w:     protocol.NewWriter(conn),
		pool:  pool,
		names: names,
		conns: conns,
		spawn: spawn,
		log:   log,
	}
}

// WithWaitingNudge enables the legacy C45WAITING periodic nudge for this
// session (disabled by default). Returns s for chaining at construction.
func (s *Session) WithWaitingNudge(enabled bool) *Session {
	s.waitingNudge = enabled
	return s
}

// Serve runs the state machine to completion and always leaves the
// connection closed and every registry entry this session owned cleaned
// up (§4.5 "Terminal").
func (s *Session) Serve() {
	defer s.cleanup()

	st := stateHandshake
	for st != stateTerminal {
		switch st {
		case stateHandshake:
			st = s.runHandshake()
		case stateLobbySelect:
			st = s.runLobbySelect()
		case stateWaiting:
			st = s.runWaiting()
		case stateInMatch:
			st = s.runInMatch()
		case statePostMatch:
			st = s.runPostMatch()
		}
	}
}

func (s *Session) cleanup() {
	if s.haveName {
		if s.lobbyIdx >= 0 {
			s.pool.RemoveByNameIfConn(s.lobbyIdx, s.name, s.conn)
		}
		s.conns.Remove(s.handle)
		s.names.RemoveIfHandle(s.name, s.handle)
	}
	_ = s.conn.Close()
}

func (s *Session) sendSnapshot() {
	snap := s.pool.Snapshot()
	counts := make([]int, len(snap))
	running := make([]bool, len(snap))
	for i, e := range snap {
		counts[i] = e.PlayerCount
		running[i] = e.Running
	}
	_ = s.w.WriteLine(protocol.BuildSnapshot(counts, running))
}

// runHandshake implements the HANDSHAKE row of §4.5's table.
func (s *Session) runHandshake() state {
	s.lobbyIdx = -1
	for {
		line, err := s.lr.ReadLineTimeout(handshakeIdleTimeout, handshakeIdleTimeout)
		if err != nil {
			return stateTerminal
		}
		switch {
		case protocol.TokenMatch(line, protocol.TokPing):
			_ = s.w.WriteLine(protocol.BuildPong())
		case protocol.TokenMatch(line, protocol.TokPong):
			// ignore
		case protocol.TokenMatch(line, protocol.TokReconnect):
			return s.runReconnect(line)
		case protocol.IsPrefixed(line):
			name, err := protocol.ParseName(line)
			if err != nil {
				_ = s.w.WriteLine(protocol.BuildWrong(protocol.ReasonNone))
				return stateTerminal
			}
			if s.pool.NameExists(name) || s.names.Has(name) {
				_ = s.w.WriteLine(protocol.BuildWrong(protocol.ReasonNameTaken))
				return stateTerminal
			}
			if !s.names.Add(name) {
				_ = s.w.WriteLine(protocol.BuildWrong(protocol.ReasonNameTaken))
				return stateTerminal
			}
			s.name = name
			s.handle = registry.NewHandle()
			s.haveName = true
			s.names.Bind(name, s.handle)
			s.conns.Add(s.handle, s.conn)
			_ = s.w.WriteLine(protocol.BuildOK())
			s.sendSnapshot()
			return stateLobbySelect
		default:
			// Non-C45 line: silent disconnect, no C45WRONG (§4.5 HANDSHAKE
			// row "non-C45 / EOF"). A non-plain but still-C45-prefixed
			// handshake line would already have matched IsPrefixed above;
			// reaching here means the line had no C45 tag at all.
			return stateTerminal
		}
	}
}

// runLobbySelect implements the LOBBY_SELECT row of §4.5's table.
func (s *Session) runLobbySelect() state {
	for {
		line, err := s.lr.ReadLineTimeout(lobbyIdleTimeout, lobbyIdleTimeout)
		if err != nil {
			return stateTerminal
		}
		switch {
		case protocol.TokenMatch(line, protocol.TokPing):
			_ = s.w.WriteLine(protocol.BuildPong())
		case protocol.TokenMatch(line, protocol.TokPong):
			// ignore
		case protocol.TokenMatch(line, protocol.TokBack):
			s.sendSnapshot()
		case protocol.TokenMatch(line, protocol.TokJoin):
			n, err := protocol.ParseJoin(line)
			if err != nil || n < 1 || n > s.pool.Count() {
				_ = s.w.WriteLine(protocol.BuildWrong(protocol.ReasonNone))
				continue
			}
			idx := n - 1
			if err := s.pool.TryAdd(idx, s.name); err != nil {
				_ = s.w.WriteLine(protocol.BuildWrong(protocol.ReasonNone))
				continue
			}
			if err := s.pool.AttachConn(idx, s.name, s.conn, s.handle); err != nil {
				_ = s.w.WriteLine(protocol.BuildWrong(protocol.ReasonNone))
				continue
			}
			s.lobbyIdx = idx
			_ = s.w.WriteLine(protocol.BuildOK())
			if s.pool.StartIfReady(idx) {
				s.spawn(idx)
			}
			return stateWaiting
		default:
			_ = s.w.WriteLine(protocol.BuildWrong(protocol.ReasonNone))
		}
	}
}

// runWaiting implements the WAITING row of §4.5's table: the session still
// owns the socket here (the match has not started yet), but it must notice
// the running flag flipping to true without the client sending anything.
func (s *Session) runWaiting() state {
	l := s.pool.Get(s.lobbyIdx)
	lastNudge := time.Now()
	for {
		if l.IsRunning() {
			return stateInMatch
		}
		if s.waitingNudge && time.Since(lastNudge) >= waitPollInterval*10 {
			_ = s.w.WriteLine(protocol.BuildWaiting())
			lastNudge = time.Now()
		}
		line, err := s.lr.ReadLineTimeout(waitPollInterval, waitPollInterval)
		if err == protocol.ErrTimeout {
			continue
		}
		if err != nil {
			s.pool.RemoveByNameIfConn(s.lobbyIdx, s.name, s.conn)
			return stateTerminal
		}
		switch {
		case protocol.TokenMatch(line, protocol.TokPing):
			_ = s.w.WriteLine(protocol.BuildPong())
		case protocol.TokenMatch(line, protocol.TokPong),
			protocol.TokenMatch(line, protocol.TokYes):
			// ignore
		case protocol.TokenMatch(line, protocol.TokBack):
			s.pool.RemoveByNameIfConn(s.lobbyIdx, s.name, s.conn)
			s.lobbyIdx = -1
			s.sendSnapshot()
			return stateLobbySelect
		default:
			s.pool.RemoveByNameIfConn(s.lobbyIdx, s.name, s.conn)
			return stateTerminal
		}
	}
}

// runInMatch implements the IN_MATCH row: the match goroutine owns the
// socket entirely (§5 ordering guarantee), so this session just waits for
// the running flag to drop, polling rather than reading.
func (s *Session) runInMatch() state {
	l := s.pool.Get(s.lobbyIdx)
	for l.IsRunning() {
		time.Sleep(waitPollInterval)
	}
	return statePostMatch
}

// runPostMatch implements the POST_MATCH row: the session resumes
// ownership of the socket once the match has settled.
func (s *Session) runPostMatch() state {
	s.lobbyIdx = -1
	for {
		if s.names.TakeBack(s.name, s.handle) {
			s.sendSnapshot()
			return stateLobbySelect
		}
		line, err := s.lr.ReadLineTimeout(postMatchPollInterval, postMatchPollInterval)
		if err == protocol.ErrTimeout {
			continue
		}
		if err != nil {
			return stateTerminal
		}
		switch {
		case protocol.TokenMatch(line, protocol.TokBack):
			s.sendSnapshot()
			return stateLobbySelect
		case protocol.TokenMatch(line, protocol.TokHit),
			protocol.TokenMatch(line, protocol.TokStand),
			protocol.TokenMatch(line, protocol.TokPing),
			protocol.TokenMatch(line, protocol.TokPong),
			protocol.TokenMatch(line, protocol.TokYes):
			// stale in-flight client traffic from the match that just
			// ended; tolerated per §4.5's POST_MATCH row.
		default:
			_ = s.w.WriteLine(protocol.BuildWrong(protocol.ReasonNone))
			return stateTerminal
		}
	}
}

// runReconnect implements §4.5.1. idx 0 means "unknown, try any lobby".
func (s *Session) runReconnect(line string) state {
	req, err := protocol.ParseReconnect(line)
	if err != nil {
		_ = s.w.WriteLine(protocol.BuildWrong(protocol.ReasonNone))
		return stateTerminal
	}

	handle := registry.NewHandle()
	candidates := s.candidateLobbies(req.LobbyIdx)
	deadline := time.Now().Add(reconnectGraceTotal)
	for {
		for _, idx := range candidates {
			if s.pool.TryReconnect(idx, req.Name, s.conn, handle) {
				return s.completeReconnect(req.Name, idx, true, handle)
			}
			if ok, oldConn := s.pool.TryTakeoverWaiting(idx, req.Name, s.conn, handle); ok {
				if oldConn != nil {
					_ = oldConn.Close()
				}
				return s.completeReconnect(req.Name, idx, false, handle)
			}
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(reconnectGraceSlice)
	}

	if s.pool.NameExists(req.Name) {
		// The name is still seated somewhere (match still settling);
		// the client is expected to retry shortly. Close silently.
		return stateTerminal
	}
	// Fall back to fresh login (§4.5.1 "otherwise fall back to fresh
	// login and snapshot") — supplemented behavior, see SPEC_FULL.md §11.
	if !s.names.Add(req.Name) {
		_ = s.w.WriteLine(protocol.BuildWrong(protocol.ReasonNameTaken))
		return stateTerminal
	}
	s.name = req.Name
	s.handle = handle
	s.haveName = true
	s.names.Bind(req.Name, s.handle)
	s.conns.Add(s.handle, s.conn)
	_ = s.w.WriteLine(protocol.BuildOK())
	s.sendSnapshot()
	return stateLobbySelect
}

func (s *Session) candidateLobbies(requested int) []int {
	if requested >= 1 && requested <= s.pool.Count() {
		idx := requested - 1
		rest := make([]int, 0, s.pool.Count())
		rest = append(rest, idx)
		for i := 0; i < s.pool.Count(); i++ {
			if i != idx {
				rest = append(rest, i)
			}
		}
		return rest
	}
	all := make([]int, s.pool.Count())
	for i := range all {
		all[i] = i
	}
	return all
}

// completeReconnect finishes binding a reconnecting session to its slot.
// When wasRunning is true the new connection was only reserved as pending
// by TryReconnect (not yet visible to the match goroutine): REC_OK is
// written first and only then confirmed into the slot, so the match
// goroutine's own reconnect-resume replay can never race REC_OK onto the
// same socket (§5's single-writer guarantee).
func (s *Session) completeReconnect(name string, idx int, wasRunning bool, handle registry.Handle) state {
	s.name = name
	s.haveName = true
	s.lobbyIdx = idx
	s.handle = handle
	if !s.names.Has(name) {
		s.names.Add(name)
	}
	s.names.Bind(name, s.handle)
	s.conns.Add(s.handle, s.conn)

	if wasRunning {
		if err := s.w.WriteLine(protocol.BuildRecOK()); err != nil {
			s.pool.CancelReconnect(idx, name)
			return stateTerminal
		}
		s.pool.ConfirmReconnect(idx, name)
		return stateInMatch
	}

	if err := s.pool.AttachConn(idx, name, s.conn, s.handle); err != nil {
		_ = s.w.WriteLine(protocol.BuildWrong(protocol.ReasonRecFailed))
		return stateTerminal
	}
	_ = s.w.WriteLine(protocol.BuildRecOK())
	return stateWaiting
}
