package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"raftex/crypto"

	"github.com/BurntSushi/toml"
)

// Config carries everything raftexd needs to boot: where state lives, which
// genesis document seeds a fresh database, and how the RPC surface is guarded.
type Config struct {
	RPCAddress          string    `toml:"RPCAddress"`
	DataDir             string    `toml:"DataDir"`
	GenesisFile         string    `toml:"GenesisFile"`
	OperatorKeystorePath string   `toml:"OperatorKeystorePath"`
	NetworkEnv          string    `toml:"NetworkEnv"`
	RPCAuthToken        string    `toml:"RPCAuthToken,omitempty"`
	AdminSecret         string    `toml:"AdminSecret,omitempty"`
	LogFile             string    `toml:"LogFile,omitempty"`
	RateLimit           RateLimit `toml:"RateLimit"`
	Telemetry           Telemetry `toml:"Telemetry"`
}

// KeystorePassphraseEnv names the environment variable consulted when no
// passphrase option is supplied to Load.
const KeystorePassphraseEnv = "RAFTEX_KEYSTORE_PASSPHRASE"

// Option adjusts how Load resolves secrets that live outside the config file.
type Option func(*loadOptions)

type loadOptions struct {
	passphrase func() (string, error)
}

// WithKeystorePassphrase pins the operator keystore passphrase to a fixed
// value instead of reading KeystorePassphraseEnv.
func WithKeystorePassphrase(value string) Option {
	return WithKeystorePassphraseSource(func() (string, error) { return value, nil })
}

// WithKeystorePassphraseSource defers passphrase resolution until a keystore
// actually has to be minted, so interactive sources prompt at most once and
// only when needed.
func WithKeystorePassphraseSource(source func() (string, error)) Option {
	return func(o *loadOptions) {
		if source != nil {
			o.passphrase = source
		}
	}
}

// Load loads the configuration from the given path.
func Load(path string, opts ...Option) (*Config, error) {
	options := loadOptions{passphrase: func() (string, error) { return KeystorePassphrase(), nil }}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, options)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	for _, undecoded := range meta.Undecoded() {
		if len(undecoded) == 1 && undecoded[0] == "OperatorKey" {
			return nil, fmt.Errorf("config file %s uses deprecated inline OperatorKey field; move the key into a keystore file", path)
		}
	}

	if err := ensureKeystore(path, cfg, options); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./raftex-data"
	}
	if strings.TrimSpace(cfg.NetworkEnv) == "" {
		cfg.NetworkEnv = "local"
	}
	if cfg.RateLimit.MutationEverySeconds == 0 {
		cfg.RateLimit.MutationEverySeconds = 12
	}
	if cfg.RateLimit.MutationBurst == 0 {
		cfg.RateLimit.MutationBurst = 5
	}
	if cfg.Telemetry.SampleRatio == 0 {
		cfg.Telemetry.SampleRatio = 1
	}
}

// KeystorePassphrase returns the passphrase from KeystorePassphraseEnv. It is
// the non-interactive default used when no option overrides it; an empty
// value is legal for local development chains.
func KeystorePassphrase() string {
	return os.Getenv(KeystorePassphraseEnv)
}

func ensureKeystore(configPath string, cfg *Config, options loadOptions) error {
	keystorePath := cfg.OperatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		secret, passErr := options.passphrase()
		if passErr != nil {
			return fmt.Errorf("resolve keystore passphrase: %w", passErr)
		}
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, secret); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.OperatorKeystorePath != keystorePath {
		cfg.OperatorKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string, options loadOptions) (*Config, error) {
	secret, err := options.passphrase()
	if err != nil {
		return nil, fmt.Errorf("resolve keystore passphrase: %w", err)
	}

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, secret); err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCAddress:  ":8080",
		DataDir:     "./raftex-data",
		GenesisFile: "",
		NetworkEnv:  "local",
	}
	cfg.OperatorKeystorePath = keystorePath
	applyDefaults(cfg)

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

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}
