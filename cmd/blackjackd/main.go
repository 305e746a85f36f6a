// Command blackjackd runs the multi-lobby, two-player Blackjack TCP
// server. It wires together the name/connection registries, the lobby
// pool and the acceptor loop described by internal/{registry,lobby,
// acceptor}, grounded on the teacher's cmd/p2poker/main.go wiring style
// (flag parsing, constructing the core object, then handing off to its
// Serve/run loop) minus its interactive REPL, which has no analogue here.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/gr3dn/blackjackd/internal/acceptor"
	"github.com/gr3dn/blackjackd/internal/config"
	"github.com/gr3dn/blackjackd/internal/lobby"
	"github.com/gr3dn/blackjackd/internal/registry"
)

const configFileName = "blackjackd.conf"

func main() {
	os.Exit(run())
}

func run() int {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	flags, err := config.ParseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if flags.Help {
		fmt.Print(config.Usage())
		return 0
	}

	cfg, err := config.LoadFile(config.Default(), configFileName)
	if err != nil {
		log.Warn().Err(err).Str("file", configFileName).Msg("failed to read config file, using defaults")
	}
	cfg = flags.Resolve(cfg)

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bindAddr(cfg.IP), cfg.Port))
	if err != nil {
		log.Error().Err(err).Msg("bind/listen failed")
		return 1
	}

	names := registry.NewNames(maxNames(cfg.LobbyCount))
	conns := registry.NewConns()
	pool := lobby.NewPool(cfg.LobbyCount, rand.New(rand.NewSource(time.Now().UnixNano())), log)

	srv := acceptor.New(ln, cfg.IP, pool, names, conns, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("ip", cfg.IP).Int("port", cfg.Port).Int("lobbies", cfg.LobbyCount).Msg("server listening")
	if err := srv.Serve(ctx); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		return 1
	}
	log.Info().Msg("server stopped")
	return 0
}

// bindAddr translates the config/CLI bind-IP spelling into something
// net.Listen understands ("0.0.0.0" is already fine, "localhost" resolves
// via the usual DNS/hosts lookup net.Listen performs internally).
func bindAddr(ip string) string {
	if ip == "" {
		return "0.0.0.0"
	}
	return ip
}

// maxNames bounds the name registry generously above the theoretical
// maximum concurrent players (two per lobby) so a burst of reconnect
// attempts racing a fresh handshake never starves capacity.
func maxNames(lobbyCount int) int {
	return lobbyCount*lobby.Size*4 + 16
}
