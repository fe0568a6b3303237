package settlerd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for settlerd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	NodeURL       string          `yaml:"node_url"`
	NodeWSURL     string          `yaml:"node_ws_url"`
	ReceiptsPath  string          `yaml:"receipts"`
	PollInterval  Duration        `yaml:"poll_interval"`
	MaxAttempts   uint32          `yaml:"max_attempts"`
	Admin         AdminConfig     `yaml:"admin"`
	Transport     TransportConfig `yaml:"transport"`
}

// AdminConfig carries the secret settlerd signs admin JWTs with. The secret
// must match the node's AdminSecret or every resolve call will be rejected.
type AdminConfig struct {
	Secret     string   `yaml:"secret"`
	SecretFile string   `yaml:"secret_file"`
	SecretEnv  string   `yaml:"secret_env"`
	TokenTTL   Duration `yaml:"token_ttl"`
}

// TransportConfig configures the external delivery endpoint tokens are pushed
// through before a transfer is confirmed on-chain.
type TransportConfig struct {
	Endpoint    string   `yaml:"endpoint"`
	BearerToken string   `yaml:"bearer_token"`
	Timeout     Duration `yaml:"timeout"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin secret: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.PollInterval.Duration == 0 {
		cfg.PollInterval.Duration = 5 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Admin.TokenTTL.Duration == 0 {
		cfg.Admin.TokenTTL.Duration = time.Minute
	}
	if cfg.Transport.Timeout.Duration == 0 {
		cfg.Transport.Timeout.Duration = 10 * time.Second
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.NodeURL) == "" {
		return fmt.Errorf("node_url must be configured")
	}
	if strings.TrimSpace(cfg.ReceiptsPath) == "" {
		return fmt.Errorf("receipts path must be configured")
	}
	if strings.TrimSpace(cfg.Admin.Secret) == "" {
		return fmt.Errorf("admin secret must be configured")
	}
	if strings.TrimSpace(cfg.Transport.Endpoint) == "" {
		return fmt.Errorf("transport endpoint must be configured")
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	a.Secret = strings.TrimSpace(a.Secret)
	a.SecretEnv = strings.TrimSpace(a.SecretEnv)
	a.SecretFile = strings.TrimSpace(a.SecretFile)
	if a.Secret != "" {
		return nil
	}
	switch {
	case a.SecretEnv != "":
		value := strings.TrimSpace(os.Getenv(a.SecretEnv))
		if value == "" {
			return fmt.Errorf("secret_env %s is empty", a.SecretEnv)
		}
		a.Secret = value
	case a.SecretFile != "":
		contents, err := os.ReadFile(a.SecretFile)
		if err != nil {
			return fmt.Errorf("read secret_file: %w", err)
		}
		a.Secret = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("secret is required")
	}
	return nil
}
