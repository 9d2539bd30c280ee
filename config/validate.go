package config

import (
	"fmt"
	"net/url"
	"strings"
)

var (
	// MaxWinnersLimit bounds the configurable winner cap.
	MaxWinnersLimit = 1024
	// MaxNamespaceLength mirrors the longest namespace the escrow program accepts.
	MaxNamespaceLength = 64
)

// Validate rejects configurations the node cannot run with.
func (cfg *Config) Validate() error {
	if cfg.Escrow.MaxWinners < 1 || cfg.Escrow.MaxWinners > MaxWinnersLimit {
		return fmt.Errorf("escrow: MaxWinners must be between 1 and %d", MaxWinnersLimit)
	}
	if len(strings.TrimSpace(cfg.Escrow.DefaultNamespace)) > MaxNamespaceLength {
		return fmt.Errorf("escrow: DefaultNamespace longer than %d bytes", MaxNamespaceLength)
	}
	if cfg.RPC.JWT.Enabled && strings.TrimSpace(cfg.RPC.JWT.HMACSecret) == "" {
		return fmt.Errorf("rpc.jwt: HMACSecret required when Enabled (or set %s)", EnvJWTSecret)
	}
	if cfg.RPC.AllowFaucet && !cfg.RPC.JWT.Enabled {
		return fmt.Errorf("rpc: AllowFaucet requires rpc.jwt to be enabled")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: SampleRatio must be within [0,1]")
	}
	if cfg.Webhook.Enabled() {
		u, err := url.Parse(strings.TrimSpace(cfg.Webhook.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook: invalid URL %q", cfg.Webhook.URL)
		}
		if strings.TrimSpace(cfg.Webhook.Secret) == "" {
			return fmt.Errorf("webhook: Secret required when URL is set (or set %s)", EnvWebhookSecret)
		}
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log: unknown level %q", cfg.Log.Level)
	}
	return nil
}
