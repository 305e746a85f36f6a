// Package acceptor implements the TCP accept loop (§4.7): accepts on a
// listener the caller has already bound, periodically verifies the bind IP
// is still locally assigned,
// spawns a session per accepted connection, and broadcasts shutdown on
// both clean stop and detected network loss. Grounded on
// server.c:run_server, restructured around context.Context cancellation
// the way the teacher's internal/cluster/node.go dispatch loop and
// netx/tcp_network.go's accept loop use context instead of a raw
// volatile "running" flag.
package acceptor

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/gr3dn/blackjackd/internal/lobby"
	"github.com/gr3dn/blackjackd/internal/match"
	"github.com/gr3dn/blackjackd/internal/protocol"
	"github.com/gr3dn/blackjackd/internal/registry"
	"github.com/gr3dn/blackjackd/internal/session"
)

// ipCheckInterval mirrors server.c's 2-second bind-IP liveness probe.
const ipCheckInterval = 2 * time.Second

// Server owns the listening socket and the process-wide registries it
// hands to every spawned session.
type Server struct {
	ln     net.Listener
	bindIP string
	pool   *lobby.Pool
	names  *registry.Names
	conns  *registry.Conns
	log    zerolog.Logger
}

// New wraps an already-bound listener. The caller is responsible for
// choosing reuse-address/backlog options when constructing ln (§4.7
// requires backlog >= 64).
func New(ln net.Listener, bindIP string, pool *lobby.Pool, names *registry.Names, conns *registry.Conns, log zerolog.Logger) *Server {
	return &Server{ln: ln, bindIP: bindIP, pool: pool, names: names, conns: conns, log: log}
}

// Serve runs the accept loop until ctx is canceled or the bind IP is
// detected as gone, then broadcasts C45DOWN to every live connection
// (§4.7 "On shutdown"). It always returns nil; fatal bind/listen errors
// are the caller's responsibility before Serve is invoked (§6 "Exit code
// ... non-zero on fatal bind/listen error").
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reason := make(chan string, 1)
	go s.watchBindIP(ctx, cancel, reason)

	closeOnce := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(closeOnce)
		_ = s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-closeOnce:
				goto shutdown
			default:
			}
			s.log.Error().Err(err).Msg("accept failed")
			continue
		}
		s.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("accepted connection")
		go s.handle(conn)
	}

shutdown:
	stopReason := "SIGINT"
	select {
	case r := <-reason:
		stopReason = r
	default:
	}
	s.broadcastDown(stopReason)
	return nil
}

func (s *Server) handle(conn net.Conn) {
	sp := func(idx int) {
		go match.New(s.pool, s.names, s.conns, idx, s.log).Run()
	}
	session.New(conn, s.pool, s.names, s.conns, sp, s.log).Serve()
}

// watchBindIP implements the 2-second liveness probe from §4.7; on loss it
// records "NETWORK_LOST" and calls cancel so Serve's accept loop unwinds
// within roughly one accept-loop iteration.
func (s *Server) watchBindIP(ctx context.Context, cancel context.CancelFunc, reason chan<- string) {
	ticker := time.NewTicker(ipCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !IsBindIPAvailable(s.bindIP) {
				s.log.Error().Str("bind_ip", s.bindIP).Msg("bind IP no longer available, stopping")
				select {
				case reason <- "NETWORK_LOST":
				default:
				}
				cancel()
				return
			}
		}
	}
}

// broadcastDown sends C45DOWN to every live connection and half-closes
// each (§4.7), best-effort: a write failure doesn't stop the remaining
// sockets from being notified/closed.
func (s *Server) broadcastDown(reason string) {
	msg := protocol.BuildDown(reason)
	for _, c := range s.conns.Snapshot() {
		w := protocol.NewWriter(c)
		_ = w.WriteLine(msg)
		if tc, ok := c.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		} else {
			_ = c.Close()
		}
	}
}
