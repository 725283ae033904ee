package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	_, err = os.Stat(path)
	require.NoError(t, err)

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, reloaded)
}

func TestLoadParsesSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `RPCAddress = "0.0.0.0:9000"
DataDir = "./data"
GenesisFile = "genesis.yaml"
Authority = "0x00000000000000000000000000000000000000da"
Environment = "staging"
LogFile = "/var/log/possession.log"
RPCRateLimit = 5.5
RPCBurst = 10

[Telemetry]
Endpoint = "otel:4318"
Traces = true
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.RPCAddress)
	require.Equal(t, "genesis.yaml", cfg.GenesisFile)
	require.Equal(t, 5.5, cfg.RPCRateLimit)
	require.Equal(t, 10, cfg.RPCBurst)
	require.Equal(t, "otel:4318", cfg.Telemetry.Endpoint)
	require.True(t, cfg.Telemetry.Traces)
	require.False(t, cfg.Telemetry.Metrics)
	// Unset keys keep their defaults.
	require.Equal(t, defaultEventLogSize, cfg.EventLogSize)

	addr, ok := cfg.AuthorityAddress()
	require.True(t, ok)
	require.Equal(t, common.HexToAddress("0xda"), addr)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("ListenAddress = \":6001\"\n"), 0o644))
	_, err := Load(path)
	require.ErrorContains(t, err, "ListenAddress")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"bad rpc address":  func(c *Config) { c.RPCAddress = "nohostport" },
		"empty data dir":   func(c *Config) { c.DataDir = " " },
		"bad authority":    func(c *Config) { c.Authority = "0x1234" },
		"zero authority":   func(c *Config) { c.Authority = "0x0000000000000000000000000000000000000000" },
		"negative rate":    func(c *Config) { c.RPCRateLimit = -1 },
		"rate no burst":    func(c *Config) { c.RPCBurst = 0 },
		"no event log":     func(c *Config) { c.EventLogSize = 0 },
		"negative timeout": func(c *Config) { c.RPCReadTimeout = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
	require.NoError(t, Default().Validate())
}
