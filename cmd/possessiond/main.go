package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"possession/config"
	"possession/core"
	"possession/observability/logging"
	telemetry "possession/observability/otel"
	"possession/rpc"
	"possession/storage"
)

const (
	genesisPathEnv = "POSSESSION_GENESIS"
	envNameEnv     = "POSSESSION_ENV"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis spec (overrides POSSESSION_GENESIS and config GenesisFile)")
	flag.Parse()

	if err := run(*configFile, *genesisFlag); err != nil {
		fmt.Fprintf(os.Stderr, "possessiond: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, genesisFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := resolveEnvironment(cfg.Environment, os.LookupEnv)
	logger, closer := logging.Setup("possessiond", env, logging.Options{
		File:  cfg.LogFile,
		Level: logging.ParseLevel(cfg.LogLevel),
	})
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Metrics || cfg.Telemetry.Traces {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "possessiond",
			Environment: env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("telemetry shutdown failed", slog.Any("error", err))
			}
		}()
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	opts := core.Options{
		GenesisPath:  resolveGenesisPath(genesisFlag, cfg.GenesisFile, os.LookupEnv),
		EventLogSize: cfg.EventLogSize,
		Logger:       logger,
	}
	if authority, ok := cfg.AuthorityAddress(); ok {
		opts.Authority = authority
	}
	node, err := core.NewNode(db, opts)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	if _, err := node.PossessionAuthority(); err != nil {
		logger.Warn("neutral authority not configured; claimStakes will fail until one is set",
			slog.Any("error", err))
	}
	logger.Info("possession node initialised",
		slog.Uint64("height", node.Height()),
		slog.String("stateRoot", node.StateRoot().Hex()),
		slog.String("dataDir", cfg.DataDir))

	server := rpc.NewServer(node, rpc.ServerConfig{
		RateLimit:    cfg.RPCRateLimit,
		Burst:        cfg.RPCBurst,
		ReadTimeout:  time.Duration(cfg.RPCReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.RPCWriteTimeout) * time.Second,
		Logger:       logger,
	})
	if err := server.Serve(ctx, cfg.RPCAddress); err != nil {
		return fmt.Errorf("rpc server: %w", err)
	}
	logger.Info("possession node stopped")
	return nil
}

type envLookupFunc func(string) (string, bool)

// resolveGenesisPath prefers the CLI flag, then POSSESSION_GENESIS, then the
// config file. An empty result starts from empty state.
func resolveGenesisPath(cliPath, cfgPath string, lookup envLookupFunc) string {
	if trimmed := strings.TrimSpace(cliPath); trimmed != "" {
		return trimmed
	}
	if lookup != nil {
		if value, ok := lookup(genesisPathEnv); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return strings.TrimSpace(cfgPath)
}

func resolveEnvironment(cfgEnv string, lookup envLookupFunc) string {
	if lookup != nil {
		if value, ok := lookup(envNameEnv); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return strings.TrimSpace(cfgEnv)
}
