// Package match implements the per-lobby match state machine (§4.6):
// deal, alternating turns, bust/stand, reconnect-waiting and settlement.
// One Match runs per lobby transitioning to running, grounded on
// game.c:lobby_game_thread, drain_nonactive_player_input and
// wait_for_reconnect, restructured as a single goroutine per running
// lobby the way the teacher runs one goroutine per table
// (internal/table/table.go) rather than a callback-driven event loop.
package match

import (
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/gr3dn/blackjackd/internal/cards"
	"github.com/gr3dn/blackjackd/internal/lobby"
	"github.com/gr3dn/blackjackd/internal/protocol"
	"github.com/gr3dn/blackjackd/internal/registry"
)

// Timing constants from §4.6.
const (
	TurnTimeout      = 30 * time.Second
	ReconnectTimeout = 30 * time.Second
	PingInterval     = 5 * time.Second
	PongTimeout      = 10 * time.Second

	tickInterval = 1 * time.Second
	drainBudget  = 10 * time.Millisecond
	waitTick     = 250 * time.Millisecond
)

// Runner executes one match to completion on the lobby it is bound to.
type Runner struct {
	pool  *lobby.Pool
	names *registry.Names
	conns *registry.Conns
	idx   int
	log   zerolog.Logger
}

// New constructs a Runner bound to lobby idx. The caller must have already
// won the running 0->1 transition via pool.StartIfReady before spawning
// Run in a goroutine (§4.4/§4.6).
func New(pool *lobby.Pool, names *registry.Names, conns *registry.Conns, idx int, log zerolog.Logger) *Runner {
	return &Runner{pool: pool, names: names, conns: conns, idx: idx, log: log.With().Int("lobby", idx+1).Logger()}
}

// connIO bundles the reader/writer for whichever connection currently
// occupies a slot. It is rebuilt whenever the stored connection changes
// underneath it (i.e. after a reconnect), since the old *protocol.LineReader
// is tied to the dead socket's buffered bytes.
type connIO struct {
	conn     net.Conn
	lr       *protocol.LineReader
	w        *protocol.Writer
	lastPong time.Time
}

type ioSet [lobby.Size]*connIO

// Run executes deal -> turn loop -> settlement synchronously. It returns
// once the match has settled and both slots have been vacated.
func (r *Runner) Run() {
	l := r.pool.Get(r.idx)
	if l == nil {
		return
	}
	names, io := r.deal(l)
	r.log.Info().Str("p0", names[0]).Str("p1", names[1]).Msg("match started")

	forcedWinner := r.playLoop(l, names, &io)
	r.settle(l, names, &io, forcedWinner)
}

// deal shuffles, clears prior hand state, deals two cards per player in
// strict slot0/slot1/slot0/slot1 order (§4.6, §8's deal-order invariant),
// and sends each recipient their own C45DEAL line.
func (r *Runner) deal(l *lobby.Lobby) ([lobby.Size]string, ioSet) {
	rng := l.Rand()
	l.Deck.Shuffle(rng)

	var names [lobby.Size]string
	l.WithLock(func(slots *[lobby.Size]lobby.Slot) {
		for i := range slots {
			slots[i].Hand = cards.Hand{}
			slots[i].Stood = false
			slots[i].Busted = false
			names[i] = slots[i].Name
		}
	})

	var first, second [lobby.Size]cards.Card
	first[0] = l.Deck.Draw(rng)
	first[1] = l.Deck.Draw(rng)
	second[0] = l.Deck.Draw(rng)
	second[1] = l.Deck.Draw(rng)

	l.WithLock(func(slots *[lobby.Size]lobby.Slot) {
		for i := range slots {
			slots[i].Hand.Add(first[i])
			slots[i].Hand.Add(second[i])
		}
	})

	var io ioSet
	for i := 0; i < lobby.Size; i++ {
		r.write(l, i, &io, protocol.BuildDeal(first[i].Tag(), second[i].Tag()))
	}
	return names, io
}

// playLoop is the outer/inner loop of §4.6. It returns the forced-winner
// name, or "" when both players settled naturally (stand/bust).
func (r *Runner) playLoop(l *lobby.Lobby, names [lobby.Size]string, io *ioSet) string {
	turn := 0
	for {
		done0, done1 := r.doneFlags(l)
		if done0 && done1 {
			return ""
		}
		if (turn == 0 && done0) || (turn == 1 && done1) {
			turn = 1 - turn
			continue
		}

		r.broadcast(l, io, protocol.BuildTurn(names[turn], int(TurnTimeout/time.Second)))

		action, forced := r.runOneTurn(l, names, io, turn)
		switch action {
		case actionSettleForced:
			return forced
		case actionSettleNatural:
			return ""
		case actionFlip:
			turn = 1 - turn
		}
	}
}

func (r *Runner) doneFlags(l *lobby.Lobby) (p0, p1 bool) {
	l.WithLock(func(slots *[lobby.Size]lobby.Slot) {
		p0 = slots[0].Stood || slots[0].Busted
		p1 = slots[1].Stood || slots[1].Busted
	})
	return
}

type turnAction int

const (
	actionFlip turnAction = iota
	actionSettleForced
	actionSettleNatural
)

// runOneTurn drives the inner second-granularity loop (§4.6 step 4) for a
// single active player until a hit, stand, timeout, or disconnect resolves
// it. Hit both appends a card and immediately ends this call with
// actionFlip, matching the letter of the spec ("flip turn; restart outer
// loop") even though that sends a fresh C45TURN on every single hit.
func (r *Runner) runOneTurn(l *lobby.Lobby, names [lobby.Size]string, io *ioSet, active int) (turnAction, string) {
	other := 1 - active
	turnStart := time.Now()
	lastPing := time.Now()

	// resumeTurn re-arms the turn window after active reconnects mid-turn,
	// so a reconnect that eats most of the 30s budget doesn't immediately
	// auto-stand the player who just came back (§4.6.2 "resume the turn
	// loop from the top").
	resumeTurn := func() {
		turnStart = time.Now()
		lastPing = time.Now()
		r.broadcast(l, io, protocol.BuildTurn(names[active], int(TurnTimeout/time.Second)))
	}

	for {
		aio, ok := r.connFor(l, active, io)
		if !ok {
			action, forced := r.pause(l, names, io, active, other)
			if action != actionFlip {
				return action, forced
			}
			resumeTurn()
			continue
		}

		if time.Since(lastPing) >= PingInterval {
			_ = r.write(l, active, io, protocol.BuildPing())
			lastPing = time.Now()
		}

		if action, forced, violated := r.drainNonActive(l, names, io, other, active); violated {
			return action, forced
		}

		line, err := aio.lr.ReadLineTimeout(tickInterval, tickInterval)
		switch {
		case err == protocol.ErrTimeout:
			// fall through to timeout/pong bookkeeping below
		case err != nil:
			action, forced := r.loseAndPause(l, names, io, active, other)
			if action != actionFlip {
				return action, forced
			}
			resumeTurn()
			continue
		default:
			switch {
			case protocol.TokenMatch(line, protocol.TokPong):
				aio.lastPong = time.Now()
			case protocol.TokenMatch(line, protocol.TokPing):
				aio.lastPong = time.Now()
				_ = r.write(l, active, io, protocol.BuildPong())
			case protocol.TokenMatch(line, protocol.TokYes):
				// legacy late waiting-phase ack, tolerated (§4.6 step 4).
			case isBackFor(line, names[active]):
				r.names.MarkBack(names[active], registry.Handle{})
				return actionSettleForced, names[other]
			case protocol.TokenMatch(line, protocol.TokHit):
				r.applyHit(l, names, io, active)
				return actionFlip, ""
			case protocol.TokenMatch(line, protocol.TokStand):
				l.WithLock(func(slots *[lobby.Size]lobby.Slot) { slots[active].Stood = true })
				return actionFlip, ""
			default:
				action, forced := r.loseAndPause(l, names, io, active, other)
				if action != actionFlip {
					return action, forced
				}
				resumeTurn()
				continue
			}
		}

		if time.Since(aio.lastPong) > PongTimeout {
			action, forced := r.pause(l, names, io, active, other)
			if action != actionFlip {
				return action, forced
			}
			resumeTurn()
			continue
		}
		if time.Since(turnStart) >= TurnTimeout {
			l.WithLock(func(slots *[lobby.Size]lobby.Slot) { slots[active].Stood = true })
			_ = r.write(l, active, io, protocol.BuildTimeout())
			return actionFlip, ""
		}
	}
}

// applyHit draws one card for active, reveals it only to active, and marks
// bust if the new total exceeds 21 (§4.6 step 4, "no-spurious-reveal" in
// §8).
func (r *Runner) applyHit(l *lobby.Lobby, names [lobby.Size]string, io *ioSet, active int) {
	card := l.Deck.Draw(l.Rand())
	var value int
	var busted bool
	l.WithLock(func(slots *[lobby.Size]lobby.Slot) {
		slots[active].Hand.Add(card)
		value = slots[active].Hand.Value()
		busted = slots[active].Hand.IsBust()
		slots[active].Busted = busted
	})
	_ = r.write(l, active, io, protocol.BuildCard(card.Tag()))
	if busted {
		_ = r.write(l, active, io, protocol.BuildBust(names[active], value))
	}
}

// drainNonActive implements §4.6.1: the non-active player may only send
// ping/pong, a late C45YES, or a back-request for their own name while
// waiting. Anything else is a protocol violation and ends the match with
// the active player as forced winner. If the non-active player's socket
// drops and reconnects mid-drain, the active player's own turn is
// unaffected (§4.6.2 "resume the turn loop from the top" names the
// reconnecting player's own turn, not whichever turn happened to be
// running when they dropped) so that case reports "no violation" rather
// than handing the turn to the player who never moved.
func (r *Runner) drainNonActive(l *lobby.Lobby, names [lobby.Size]string, io *ioSet, nonActive, active int) (turnAction, string, bool) {
	nio, ok := r.connFor(l, nonActive, io)
	if !ok {
		return 0, "", false
	}
	line, err := nio.lr.ReadLineTimeout(drainBudget, drainBudget)
	if err == protocol.ErrTimeout {
		return 0, "", false
	}
	if err != nil {
		action, forced := r.loseAndPause(l, names, io, nonActive, active)
		if action != actionSettleForced {
			return 0, "", false
		}
		return action, forced, true
	}
	switch {
	case protocol.TokenMatch(line, protocol.TokPong):
		nio.lastPong = time.Now()
	case protocol.TokenMatch(line, protocol.TokPing):
		nio.lastPong = time.Now()
		_ = r.write(l, nonActive, io, protocol.BuildPong())
	case protocol.TokenMatch(line, protocol.TokYes):
		// legacy ack, tolerated.
	case isBackFor(line, names[nonActive]):
		r.names.MarkBack(names[nonActive], registry.Handle{})
		return actionSettleForced, names[active], true
	default:
		r.closeSlot(l, nonActive)
		return actionSettleForced, names[active], true
	}
	return 0, "", false
}

func isBackFor(line, name string) bool {
	isBack, matches := protocol.BackRequestFor(line, name)
	return isBack && matches
}

// loseAndPause is the shared path for "a player's read failed or the
// active player sent an unexpected line" (its active parameter names the
// lost player, active or not): per §4.6.2 this always routes through
// reconnect-waiting rather than settling immediately.
func (r *Runner) loseAndPause(l *lobby.Lobby, names [lobby.Size]string, io *ioSet, active, other int) (turnAction, string) {
	return r.pause(l, names, io, active, other)
}

// pause implements §4.6.2 reconnect-waiting for whichever slot (missing)
// just dropped, with other remaining in play.
func (r *Runner) pause(l *lobby.Lobby, names [lobby.Size]string, io *ioSet, missing, other int) (turnAction, string) {
	r.closeSlot(l, missing)
	io[missing] = nil

	if err := r.write(l, other, io, protocol.BuildOppDown(names[missing], int(ReconnectTimeout/time.Second))); err != nil {
		return actionSettleForced, "" // other is also gone; settle with no forced winner
	}

	deadline := time.Now().Add(ReconnectTimeout)
	lastPing := time.Now()
	for time.Now().Before(deadline) {
		if conn, ok := r.peekConn(l, missing); ok && conn != nil {
			r.resumeFromSnapshot(l, names, io, missing, other)
			return actionFlip, ""
		}

		oio, ok := r.connFor(l, other, io)
		if !ok {
			return actionSettleForced, ""
		}
		if time.Since(lastPing) >= PingInterval {
			if err := r.write(l, other, io, protocol.BuildPing()); err != nil {
				return actionSettleForced, ""
			}
			lastPing = time.Now()
		}
		line, err := oio.lr.ReadLineTimeout(waitTick, waitTick)
		switch {
		case err == protocol.ErrTimeout:
		case err != nil:
			return actionSettleForced, ""
		default:
			switch {
			case protocol.TokenMatch(line, protocol.TokPong):
				oio.lastPong = time.Now()
			case protocol.TokenMatch(line, protocol.TokPing):
				oio.lastPong = time.Now()
				_ = r.write(l, other, io, protocol.BuildPong())
			case isBackFor(line, names[other]):
				r.names.MarkBack(names[other], registry.Handle{})
				return actionSettleForced, names[other]
			}
		}
		if time.Since(oio.lastPong) > PongTimeout {
			return actionSettleForced, ""
		}
	}
	return actionSettleForced, names[other]
}

// resumeFromSnapshot replays the reconnecting player's current hand
// (§4.6.2 step 1) and notifies the opponent, then returns control to the
// outer loop.
func (r *Runner) resumeFromSnapshot(l *lobby.Lobby, names [lobby.Size]string, io *ioSet, missing, other int) {
	var handTags []string
	l.WithLock(func(slots *[lobby.Size]lobby.Slot) {
		for _, c := range slots[missing].Hand.Cards {
			handTags = append(handTags, c.Tag())
		}
	})
	if len(handTags) >= 2 {
		_ = r.write(l, missing, io, protocol.BuildDeal(handTags[0], handTags[1]))
		for _, tag := range handTags[2:] {
			_ = r.write(l, missing, io, protocol.BuildCard(tag))
		}
	}
	_ = r.write(l, other, io, protocol.BuildOppBack(names[missing]))
}

// settle implements §4.6.3: compute values, send C45RESULT to both
// (best-effort, a dead socket simply drops the line), flip running off and
// vacate both slots.
func (r *Runner) settle(l *lobby.Lobby, names [lobby.Size]string, io *ioSet, forcedWinner string) {
	var v [lobby.Size]int
	l.WithLock(func(slots *[lobby.Size]lobby.Slot) {
		for i := range slots {
			if slots[i].Busted {
				v[i] = -1
			} else {
				v[i] = slots[i].Hand.Value()
			}
		}
	})

	winner := forcedWinner
	if winner == "" {
		switch {
		case v[0] > v[1]:
			winner = names[0]
		case v[1] > v[0]:
			winner = names[1]
		default:
			winner = "PUSH"
		}
	}

	line := protocol.BuildResult(names[0], v[0], names[1], v[1], winner)
	for i := 0; i < lobby.Size; i++ {
		_ = r.write(l, i, io, line)
	}

	l.SetRunning(false)
	for i := range names {
		r.pool.RemoveByName(r.idx, names[i])
	}
	r.log.Info().Str("winner", winner).Msg("match settled")
}

// closeSlot closes and clears whichever connection is currently stored for
// idx, tolerating a conn that is already nil or already closed.
func (r *Runner) closeSlot(l *lobby.Lobby, idx int) {
	var conn net.Conn
	l.WithLock(func(slots *[lobby.Size]lobby.Slot) {
		conn = slots[idx].Conn
		slots[idx].Conn = nil
	})
	if conn != nil {
		_ = conn.Close()
	}
}

func (r *Runner) peekConn(l *lobby.Lobby, idx int) (net.Conn, bool) {
	var conn net.Conn
	l.WithLock(func(slots *[lobby.Size]lobby.Slot) { conn = slots[idx].Conn })
	return conn, conn != nil
}

// connFor returns the connIO for idx, rebuilding it if the underlying
// connection changed since the last call (i.e. a reconnect happened).
func (r *Runner) connFor(l *lobby.Lobby, idx int, io *ioSet) (*connIO, bool) {
	conn, ok := r.peekConn(l, idx)
	if !ok {
		return nil, false
	}
	cur := io[idx]
	if cur == nil || cur.conn != conn {
		cur = &connIO{conn: conn, lr: protocol.NewLineReader(conn, conn), w: protocol.NewWriter(conn), lastPong: time.Now()}
		io[idx] = cur
	}
	return cur, true
}

func (r *Runner) write(l *lobby.Lobby, idx int, io *ioSet, line string) error {
	cio, ok := r.connFor(l, idx, io)
	if !ok {
		return net.ErrClosed
	}
	return cio.w.WriteLine(line)
}

func (r *Runner) broadcast(l *lobby.Lobby, io *ioSet, line string) {
	for i := 0; i < lobby.Size; i++ {
		_ = r.write(l, i, io, line)
	}
}
