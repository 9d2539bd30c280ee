package config

import "strings"

// EscrowConfig holds the escrow program knobs.
type EscrowConfig struct {
	// MaxWinners caps the winner list accepted by Close.
	MaxWinners int `toml:"MaxWinners"`
	// DefaultNamespace is used when Initialize receives no namespace.
	DefaultNamespace string `toml:"DefaultNamespace"`
}

func (e *EscrowConfig) applyDefaults() {
	if e.MaxWinners == 0 {
		e.MaxWinners = 64
	}
	if strings.TrimSpace(e.DefaultNamespace) == "" {
		e.DefaultNamespace = "escrow"
	}
}

// JWTConfig protects the operator methods of the RPC server.
type JWTConfig struct {
	Enabled    bool   `toml:"Enabled"`
	HMACSecret string `toml:"HMACSecret"`
	Issuer     string `toml:"Issuer"`
	Audience   string `toml:"Audience"`
	// ClockSkewSeconds tolerates drift on exp and nbf.
	ClockSkewSeconds int `toml:"ClockSkewSeconds"`
}

// RPCConfig controls the HTTP surface.
type RPCConfig struct {
	ReadHeaderTimeout int      `toml:"ReadHeaderTimeout"`
	ReadTimeout       int      `toml:"ReadTimeout"`
	WriteTimeout      int      `toml:"WriteTimeout"`
	IdleTimeout       int      `toml:"IdleTimeout"`
	MaxBodyBytes      int64    `toml:"MaxBodyBytes"`
	RequestsPerMinute float64  `toml:"RequestsPerMinute"`
	Burst             int      `toml:"Burst"`
	AllowedOrigins    []string `toml:"AllowedOrigins"`
	// TrustProxyHeaders keys rate limits by X-Forwarded-For.
	TrustProxyHeaders bool `toml:"TrustProxyHeaders"`
	// AllowFaucet exposes bank_mint, signed by the node's issuer key.
	AllowFaucet bool      `toml:"AllowFaucet"`
	JWT         JWTConfig `toml:"jwt"`
}

func (r *RPCConfig) applyDefaults() {
	if r.ReadHeaderTimeout <= 0 {
		r.ReadHeaderTimeout = 5
	}
	if r.ReadTimeout <= 0 {
		r.ReadTimeout = 15
	}
	if r.WriteTimeout <= 0 {
		r.WriteTimeout = 15
	}
	if r.IdleTimeout <= 0 {
		r.IdleTimeout = 60
	}
	if r.MaxBodyBytes <= 0 {
		r.MaxBodyBytes = 1 << 20
	}
	if r.RequestsPerMinute <= 0 {
		r.RequestsPerMinute = 600
	}
	if r.Burst <= 0 {
		r.Burst = 60
	}
	if r.JWT.ClockSkewSeconds <= 0 {
		r.JWT.ClockSkewSeconds = 120
	}
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string            `toml:"Endpoint"`
	Insecure    bool              `toml:"Insecure"`
	Headers     map[string]string `toml:"Headers"`
	Metrics     bool              `toml:"Metrics"`
	Traces      bool              `toml:"Traces"`
	SampleRatio float64           `toml:"SampleRatio"`
}

func (t *TelemetryConfig) applyDefaults() {
	if t.SampleRatio == 0 {
		t.SampleRatio = 1
	}
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

func (l *LogConfig) applyDefaults() {
	if strings.TrimSpace(l.Level) == "" {
		l.Level = "info"
	}
}

// WebhookConfig posts settlement notifications to an external endpoint.
type WebhookConfig struct {
	URL         string `toml:"URL"`
	Secret      string `toml:"Secret"`
	MaxAttempts int    `toml:"MaxAttempts"`
}

// Enabled reports whether a webhook endpoint is configured.
func (w WebhookConfig) Enabled() bool {
	return strings.TrimSpace(w.URL) != ""
}

func (w *WebhookConfig) applyDefaults() {
	if w.MaxAttempts <= 0 {
		w.MaxAttempts = 5
	}
}
