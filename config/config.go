package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Telemetry configures the OpenTelemetry exporters.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`
}

type Config struct {
	RPCAddress      string  `toml:"RPCAddress"`
	DataDir         string  `toml:"DataDir"`
	GenesisFile     string  `toml:"GenesisFile"`
	Authority       string  `toml:"Authority"`
	Environment     string  `toml:"Environment"`
	LogFile         string  `toml:"LogFile"`
	LogLevel        string  `toml:"LogLevel"`
	RPCRateLimit    float64 `toml:"RPCRateLimit"`
	RPCBurst        int     `toml:"RPCBurst"`
	RPCReadTimeout  int     `toml:"RPCReadTimeout"`
	RPCWriteTimeout int     `toml:"RPCWriteTimeout"`
	EventLogSize    int     `toml:"EventLogSize"`

	Telemetry Telemetry `toml:"Telemetry"`
}

const (
	defaultRPCAddress   = "127.0.0.1:8545"
	defaultDataDir      = "./possession-data"
	defaultRateLimit    = 20
	defaultBurst        = 40
	defaultRPCTimeout   = 15
	defaultEventLogSize = 4096
)

// Default returns the configuration written when no file exists yet.
func Default() *Config {
	return &Config{
		RPCAddress:      defaultRPCAddress,
		DataDir:         defaultDataDir,
		Environment:     "local",
		LogLevel:        "info",
		RPCRateLimit:    defaultRateLimit,
		RPCBurst:        defaultBurst,
		RPCReadTimeout:  defaultRPCTimeout,
		RPCWriteTimeout: defaultRPCTimeout,
		EventLogSize:    defaultEventLogSize,
		Telemetry: Telemetry{
			Endpoint: "localhost:4318",
			Insecure: true,
		},
	}
}

// Load loads the configuration from the given path. A missing file is created
// with defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
