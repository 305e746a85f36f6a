// Package config loads server configuration from a KEY-value file and CLI
// flags (§6), grounded on game.c:load_config. Precedence, per §6's CLI
// description: CLI override (both -i and -p given and valid) > config file
// > compiled-in defaults.
package config

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Compiled-in defaults, used when neither the config file nor the CLI
// override a value.
const (
	DefaultIP         = "0.0.0.0"
	DefaultPort       = 4545
	DefaultLobbyCount = 5

	MaxLobbyCount = 1000
)

// Config is the fully resolved server configuration.
type Config struct {
	IP         string
	Port       int
	LobbyCount int
}

// Default returns the compiled-in defaults.
func Default() Config {
	return Config{IP: DefaultIP, Port: DefaultPort, LobbyCount: DefaultLobbyCount}
}

// LoadFile reads "KEY value" pairs from path, applying recognized keys
// (IP, PORT, LOBBY_COUNT) on top of cfg. A missing file is not an error
// (§6 "Missing file is not an error"); an out-of-range value is ignored
// and the prior value retained, mirroring load_config's tolerant parsing.
func LoadFile(cfg Config, path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		key, val := fields[0], fields[1]
		switch key {
		case "LOBBY_COUNT":
			if n, err := strconv.Atoi(val); err == nil && n >= 1 && n <= MaxLobbyCount {
				cfg.LobbyCount = n
			}
		case "PORT":
			if p, err := strconv.Atoi(val); err == nil && p >= 1 && p <= 65535 {
				cfg.Port = p
			}
		case "IP":
			if validIP(val) {
				cfg.IP = val
			}
		}
	}
	return cfg, scanner.Err()
}

// validIP accepts dotted-quad addresses plus the two bind-all/localhost
// spellings the server treats specially (§6).
func validIP(s string) bool {
	if s == "0.0.0.0" || s == "localhost" {
		return true
	}
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil && !strings.Contains(s, ":")
}

// Flags is the parsed form of the CLI surface described in §6.
type Flags struct {
	IP    string
	Port  int
	Help  bool
	hasIP bool
	hasP  bool
}

// ParseFlags registers and parses -i, -p and -help against fs (pass
// flag.CommandLine in production, a fresh *flag.FlagSet in tests).
func ParseFlags(fs *flag.FlagSet, args []string) (Flags, error) {
	var f Flags
	fs.StringVar(&f.IP, "i", "", "bind IP address (requires -p)")
	fs.IntVar(&f.Port, "p", 0, "bind port (requires -i)")
	fs.BoolVar(&f.Help, "help", false, "print usage and exit")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	f.hasIP = f.IP != ""
	f.hasP = f.Port != 0
	return f, nil
}

// Resolve applies an -i/-p CLI override onto cfg. Per §6, overriding
// requires BOTH flags; a partial or invalid override is discarded in
// favor of cfg (the config file's value, itself already defaulted).
func (f Flags) Resolve(cfg Config) Config {
	if !f.hasIP || !f.hasP {
		return cfg
	}
	if !validIP(f.IP) || f.Port < 1 || f.Port > 65535 {
		return cfg
	}
	cfg.IP = f.IP
	cfg.Port = f.Port
	return cfg
}

// Usage renders the -help text (§6).
func Usage() string {
	return fmt.Sprintf(
		"usage: blackjackd [-i <ip> -p <port>] [-help]\n"+
			"  -i <ip>    bind IP address (requires -p)\n"+
			"  -p <port>  bind port 1-65535 (requires -i)\n"+
			"  -help      print this message\n"+
			"defaults: IP=%s PORT=%d LOBBY_COUNT=%d (overridden by config file, then by -i/-p)\n",
		DefaultIP, DefaultPort, DefaultLobbyCount)
}
