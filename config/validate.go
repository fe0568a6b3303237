package config

import (
	"fmt"
	"strings"
)

// ValidateConfig rejects configurations that would boot a node with an
// unusable RPC surface or a rate limiter that admits nothing.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		return fmt.Errorf("config: RPCAddress required")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("config: DataDir required")
	}
	if cfg.RateLimit.MutationEverySeconds == 0 {
		return fmt.Errorf("config: RateLimit.MutationEverySeconds must be positive")
	}
	if cfg.RateLimit.MutationBurst <= 0 {
		return fmt.Errorf("config: RateLimit.MutationBurst must be positive")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("config: Telemetry.SampleRatio must be within [0, 1]")
	}
	return nil
}
