package session

import (
	"bufio"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gr3dn/blackjackd/internal/lobby"
	"github.com/gr3dn/blackjackd/internal/protocol"
	"github.com/gr3dn/blackjackd/internal/registry"
)

func newHarness(t *testing.T, lobbies int) (*lobby.Pool, *registry.Names, *registry.Conns) {
	t.Helper()
	pool := lobby.NewPool(lobbies, rand.New(rand.NewSource(3)), zerolog.Nop())
	names := registry.NewNames(16)
	conns := registry.NewConns()
	return pool, names, conns
}

func readLine(t *testing.T, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return protocol.Trim(line)
}

func writeLine(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	_, err := conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func TestHandshakeDuplicateNameIsRejected(t *testing.T) {
	pool, names, conns := newHarness(t, 1)
	require.True(t, names.Add("alice"))

	server, client := net.Pipe()
	s := New(server, pool, names, conns, func(int) {}, zerolog.Nop())
	done := make(chan struct{})
	go func() { s.Serve(); close(done) }()

	writeLine(t, client, "C45alice")
	line := readLine(t, client)
	assert.Equal(t, "C45WRONG NAME_TAKEN", line)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
	}
}

func TestHandshakeThenJoinReachesWaiting(t *testing.T) {
	pool, names, conns := newHarness(t, 1)

	server, client := net.Pipe()
	spawned := make(chan int, 1)
	s := New(server, pool, names, conns, func(idx int) { spawned <- idx }, zerolog.Nop())
	go s.Serve()

	writeLine(t, client, "C45alice")
	assert.Equal(t, "C45OK", readLine(t, client))
	snap := readLine(t, client)
	assert.True(t, protocol.TokenMatch(snap, protocol.TokSnapshot))

	writeLine(t, client, "C45J 1")
	assert.Equal(t, "C45OK", readLine(t, client))

	select {
	case idx := <-spawned:
		t.Fatalf("match spawned prematurely for lobby %d", idx)
	case <-time.After(100 * time.Millisecond):
	}

	assert.True(t, pool.NameExists("alice"))
	_ = client.Close()
}

func TestJoinFullLobbyStaysInLobbySelect(t *testing.T) {
	pool, names, conns := newHarness(t, 1)
	require.NoError(t, pool.TryAdd(0, "x"))
	require.NoError(t, pool.TryAdd(0, "y"))

	server, client := net.Pipe()
	s := New(server, pool, names, conns, func(int) {}, zerolog.Nop())
	go s.Serve()

	writeLine(t, client, "C45alice")
	require.Equal(t, "C45OK", readLine(t, client))
	_ = readLine(t, client) // snapshot

	writeLine(t, client, "C45J 1")
	assert.Equal(t, "C45WRONG", readLine(t, client))

	writeLine(t, client, "C45B")
	snap := readLine(t, client)
	assert.True(t, protocol.TokenMatch(snap, protocol.TokSnapshot))
	_ = client.Close()
}

// TestReconnectSendsRecOkBeforeSlotIsVisible guards against the two
// writers (this session and a match goroutine) racing onto the same
// socket: a stand-in "match goroutine" here writes to the slot's
// connection the instant it becomes visible, and the client must always
// see C45REC_OK before that write (§5's single-writer guarantee).
func TestReconnectSendsRecOkBeforeSlotIsVisible(t *testing.T) {
	pool, names, conns := newHarness(t, 1)
	require.NoError(t, pool.TryAdd(0, "alice"))
	require.NoError(t, pool.TryAdd(0, "bob"))
	oldConn, _ := net.Pipe()
	require.NoError(t, pool.AttachConn(0, "alice", oldConn, registry.NewHandle()))
	require.True(t, pool.StartIfReady(0))
	pool.Get(0).WithLock(func(slots *[lobby.Size]lobby.Slot) { slots[0].Conn = nil })

	server, client := net.Pipe()
	s := New(server, pool, names, conns, func(int) {}, zerolog.Nop())
	go s.Serve()

	raced := make(chan struct{})
	go func() {
		for {
			var conn net.Conn
			pool.Get(0).WithLock(func(slots *[lobby.Size]lobby.Slot) { conn = slots[0].Conn })
			if conn != nil {
				_, _ = conn.Write([]byte("C45DEAL AS AH\n"))
				close(raced)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	writeLine(t, client, "C45REC alice 1")
	assert.Equal(t, "C45REC_OK", readLine(t, client))

	// net.Pipe is unbuffered: the stand-in's write only completes once the
	// client has read it, so read first and then wait for the stand-in.
	second := readLine(t, client)
	assert.True(t, protocol.TokenMatch(second, protocol.TokDeal))
	select {
	case <-raced:
	case <-time.After(2 * time.Second):
		t.Fatal("simulated match goroutine never observed the reconnect")
	}
}

func TestSecondJoinerSpawnsMatch(t *testing.T) {
	pool, names, conns := newHarness(t, 1)
	require.NoError(t, pool.TryAdd(0, "alice"))

	server, client := net.Pipe()
	spawned := make(chan int, 1)
	s := New(server, pool, names, conns, func(idx int) { spawned <- idx }, zerolog.Nop())
	go s.Serve()

	writeLine(t, client, "C45bob")
	require.Equal(t, "C45OK", readLine(t, client))
	_ = readLine(t, client) // snapshot

	writeLine(t, client, "C45J 1")
	require.Equal(t, "C45OK", readLine(t, client))

	select {
	case idx := <-spawned:
		assert.Equal(t, 0, idx)
	case <-time.After(2 * time.Second):
		t.Fatal("expected match to be spawned")
	}
	_ = client.Close()
}
