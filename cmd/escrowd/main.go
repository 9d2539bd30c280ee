package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"buyinescrow/cmd/internal/passphrase"
	"buyinescrow/config"
	"buyinescrow/core"
	"buyinescrow/core/genesis"
	"buyinescrow/crypto"
	"buyinescrow/gateway/middleware"
	"buyinescrow/integrations/webhooks"
	"buyinescrow/observability/logging"
	telemetry "buyinescrow/observability/otel"
	"buyinescrow/rpc"
	"buyinescrow/services/leaderboard"
	"buyinescrow/storage"
)

const (
	keystorePassEnv = "ESCROW_KEYSTORE_PASS"
	genesisPathEnv  = "ESCROW_GENESIS"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis YAML file (overrides ESCROW_GENESIS and config GenesisFile)")
	flag.Parse()

	passSource := passphrase.NewSource(keystorePassEnv, passphrase.WithLabel("issuer keystore"))
	cfg, err := config.Load(*configFile, config.WithKeystorePassphraseSource(passSource.Get))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("escrowd", cfg.Environment, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, resolveGenesisPath(*genesisFlag, cfg.GenesisFile, os.LookupEnv), passSource.Get, logger); err != nil {
		logger.Error("escrowd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, genesisPath string, pass func() (string, error), logger *slog.Logger) error {
	headers := cfg.Telemetry.Headers
	if len(headers) == 0 {
		headers = telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	}
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "escrowd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ledger, err := core.NewLedger(db, core.Config{
		Network:          cfg.NetworkName,
		MaxWinners:       cfg.Escrow.MaxWinners,
		DefaultNamespace: cfg.Escrow.DefaultNamespace,
	}, core.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if err := applyGenesis(ctx, ledger, genesisPath, logger); err != nil {
		return err
	}

	board, err := leaderboard.Open(cfg.LeaderboardPath)
	if err != nil {
		return fmt.Errorf("open leaderboard: %w", err)
	}
	defer board.Close()
	ledger.Events().OnEvent(leaderboard.NewRecorder(board, logger).Handle)

	if cfg.Webhook.Enabled() {
		dispatcher, err := webhooks.NewDispatcher(cfg.Webhook.URL, []byte(cfg.Webhook.Secret),
			webhooks.WithLogger(logger),
			webhooks.WithRetryPolicy(cfg.Webhook.MaxAttempts, 500*time.Millisecond, 30*time.Second))
		if err != nil {
			return fmt.Errorf("init webhooks: %w", err)
		}
		defer dispatcher.Close()
		relay := webhooks.NewRelay(dispatcher, logger)
		ledger.Events().OnEvent(relay.Handle)
		go relay.Run(ctx)
		logger.Info("settlement webhooks enabled", logging.MaskURL("url", cfg.Webhook.URL))
	}

	serverCfg := serverConfig(cfg)
	if cfg.RPC.AllowFaucet {
		passphrase, err := pass()
		if err != nil {
			return fmt.Errorf("resolve keystore passphrase: %w", err)
		}
		key, err := crypto.LoadFromKeystore(cfg.IssuerKeystorePath, passphrase)
		if err != nil {
			return fmt.Errorf("load issuer key: %w", err)
		}
		serverCfg.Faucet = key
		logger.Warn("faucet enabled", slog.String("issuer", key.PubKey().Address().String()))
	}
	server, err := rpc.NewServer(ledger, board, serverCfg, logger)
	if err != nil {
		return err
	}

	logger.Info("escrow ledger ready",
		slog.String("network", ledger.Network()),
		slog.Uint64("height", ledger.Height()),
		slog.String("root", ledger.Root().Hex()))
	return server.Serve(ctx, cfg.RPCAddress)
}

// applyGenesis seeds an empty ledger. A ledger that already has history
// ignores the genesis file.
func applyGenesis(ctx context.Context, ledger *core.Ledger, path string, logger *slog.Logger) error {
	if ledger.Height() > 0 {
		return nil
	}
	if strings.TrimSpace(path) == "" {
		logger.Warn("starting without genesis; no mints are registered")
		return nil
	}
	spec, err := genesis.Load(path)
	if err != nil {
		return err
	}
	if err := ledger.InitGenesis(ctx, spec); err != nil && !errors.Is(err, core.ErrGenesisApplied) {
		return fmt.Errorf("apply genesis: %w", err)
	}
	logger.Info("genesis applied", slog.String("path", path), slog.Int("mints", len(spec.Mints)))
	return nil
}

func serverConfig(cfg *config.Config) rpc.ServerConfig {
	return rpc.ServerConfig{
		MaxBodyBytes:      cfg.RPC.MaxBodyBytes,
		ReadHeaderTimeout: time.Duration(cfg.RPC.ReadHeaderTimeout) * time.Second,
		ReadTimeout:       time.Duration(cfg.RPC.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.RPC.WriteTimeout) * time.Second,
		IdleTimeout:       time.Duration(cfg.RPC.IdleTimeout) * time.Second,
		RateLimit: middleware.RateLimit{
			RequestsPerMinute: cfg.RPC.RequestsPerMinute,
			Burst:             cfg.RPC.Burst,
		},
		AllowedOrigins:    cfg.RPC.AllowedOrigins,
		TrustProxyHeaders: cfg.RPC.TrustProxyHeaders,
		Auth: middleware.AuthConfig{
			Enabled:    cfg.RPC.JWT.Enabled,
			HMACSecret: cfg.RPC.JWT.HMACSecret,
			Issuer:     cfg.RPC.JWT.Issuer,
			Audience:   cfg.RPC.JWT.Audience,
			ClockSkew:  time.Duration(cfg.RPC.JWT.ClockSkewSeconds) * time.Second,
		},
	}
}

func resolveGenesisPath(flagValue, configValue string, lookup func(string) (string, bool)) string {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		return trimmed
	}
	if value, ok := lookup(genesisPathEnv); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(configValue)
}
