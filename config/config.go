package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"buyinescrow/crypto"

	"github.com/BurntSushi/toml"
)

const (
	// EnvEnvironment names the deployment environment stamped on logs and traces.
	EnvEnvironment = "ESCROW_ENV"
	// EnvNetwork overrides NetworkName.
	EnvNetwork = "ESCROW_NETWORK"
	// EnvJWTSecret overrides the operator JWT secret.
	EnvJWTSecret = "ESCROW_RPC_JWT_SECRET"
	// EnvLogLevel overrides Log.Level.
	EnvLogLevel = "ESCROW_LOG_LEVEL"
	// EnvWebhookSecret overrides Webhook.Secret.
	EnvWebhookSecret = "ESCROW_WEBHOOK_SECRET"
)

type Config struct {
	RPCAddress         string `toml:"RPCAddress"`
	DataDir            string `toml:"DataDir"`
	GenesisFile        string `toml:"GenesisFile"`
	NetworkName        string `toml:"NetworkName"`
	Environment        string `toml:"Environment"`
	IssuerKeystorePath string `toml:"IssuerKeystorePath"`
	LeaderboardPath    string `toml:"LeaderboardPath"`

	Escrow    EscrowConfig    `toml:"escrow"`
	RPC       RPCConfig       `toml:"rpc"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Log       LogConfig       `toml:"log"`
	Webhook   WebhookConfig   `toml:"webhook"`
}

type loadOptions struct {
	passphrase string
	source     func() (string, error)
}

// resolvePassphrase is only called when a keystore has to be created.
func (o loadOptions) resolvePassphrase() (string, error) {
	if o.passphrase != "" || o.source == nil {
		return o.passphrase, nil
	}
	return o.source()
}

// LoadOption customises Load.
type LoadOption func(*loadOptions)

// WithKeystorePassphrase supplies the passphrase used when Load has to create
// the issuer keystore.
func WithKeystorePassphrase(passphrase string) LoadOption {
	return func(o *loadOptions) {
		o.passphrase = passphrase
	}
}

// WithKeystorePassphraseSource defers passphrase resolution, typically to an
// environment variable or terminal prompt, until a keystore must be created.
func WithKeystorePassphraseSource(source func() (string, error)) LoadOption {
	return func(o *loadOptions) {
		o.source = source
	}
}

// Load loads the configuration from the given path. A missing file is
// replaced by a default one, together with a fresh issuer keystore.
func Load(path string, opts ...LoadOption) (*Config, error) {
	var options loadOptions
	for _, opt := range opts {
		opt(&options)
	}

	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg, err = createDefault(path, options)
		if err != nil {
			return nil, err
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, err
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s: unknown key %q", path, undecoded[0].String())
		}
		if err := ensureKeystore(path, cfg, options); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func ensureKeystore(configPath string, cfg *Config, options loadOptions) error {
	keystorePath := cfg.IssuerKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		passphrase, err := options.resolvePassphrase()
		if err != nil {
			return err
		}
		if strings.TrimSpace(passphrase) == "" {
			return errors.New("issuer keystore missing and no passphrase supplied to create it")
		}
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.IssuerKeystorePath != keystorePath {
		cfg.IssuerKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string, options loadOptions) (*Config, error) {
	passphrase, err := options.resolvePassphrase()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(passphrase) == "" {
		return nil, errors.New("a keystore passphrase is required to create the default configuration")
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.IssuerKeystorePath = keystorePath

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the configuration written for a fresh node.
func Default() *Config {
	cfg := &Config{
		RPCAddress:  ":8080",
		DataDir:     "./escrow-data",
		NetworkName: "escrow-local",
	}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "escrow-local"
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./escrow-data"
	}
	if strings.TrimSpace(cfg.LeaderboardPath) == "" {
		cfg.LeaderboardPath = filepath.Join(cfg.DataDir, "leaderboard.db")
	}
	cfg.Escrow.applyDefaults()
	cfg.RPC.applyDefaults()
	cfg.Telemetry.applyDefaults()
	cfg.Log.applyDefaults()
	cfg.Webhook.applyDefaults()
}

func (cfg *Config) applyEnv() {
	if v, ok := lookupEnv(EnvEnvironment); ok {
		cfg.Environment = v
	}
	if v, ok := lookupEnv(EnvNetwork); ok {
		cfg.NetworkName = v
	}
	if v, ok := lookupEnv(EnvJWTSecret); ok {
		cfg.RPC.JWT.HMACSecret = v
	}
	if v, ok := lookupEnv(EnvLogLevel); ok {
		cfg.Log.Level = v
	}
	if v, ok := lookupEnv(EnvWebhookSecret); ok {
		cfg.Webhook.Secret = v
	}
}

func lookupEnv(name string) (string, bool) {
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
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

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "issuer.keystore")
}
