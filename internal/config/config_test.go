package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileMissingIsNotAnError(t *testing.T) {
	cfg, err := LoadFile(Default(), filepath.Join(t.TempDir(), "nope.conf"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileAppliesRecognizedKeysAndIgnoresOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.conf")
	content := "IP 192.168.1.5\nPORT 9999\nLOBBY_COUNT 2000\nJUNK value\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFile(Default(), path)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.5", cfg.IP)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, DefaultLobbyCount, cfg.LobbyCount) // 2000 rejected, default retained
}

func TestResolveRequiresBothFlags(t *testing.T) {
	cfg := Default()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags, err := ParseFlags(fs, []string{"-i", "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, cfg, flags.Resolve(cfg)) // -p missing: override discarded

	fs2 := flag.NewFlagSet("test2", flag.ContinueOnError)
	flags2, err := ParseFlags(fs2, []string{"-i", "10.0.0.1", "-p", "5555"})
	require.NoError(t, err)
	resolved := flags2.Resolve(cfg)
	assert.Equal(t, "10.0.0.1", resolved.IP)
	assert.Equal(t, 5555, resolved.Port)
}

func TestResolveRejectsInvalidPort(t *testing.T) {
	cfg := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags, err := ParseFlags(fs, []string{"-i", "10.0.0.1", "-p", "70000"})
	require.NoError(t, err)
	assert.Equal(t, cfg, flags.Resolve(cfg))
}
