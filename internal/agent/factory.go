// internal/agent/factory.go
package agent

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/syntrik/mend/api/schemas"
	"github.com/syntrik/mend/internal/config"
)

// NewClient builds the tier-routing agent client from configuration.
func NewClient(cfg config.AgentConfig, logger *zap.Logger) (schemas.AgentClient, error) {
	fast, err := newModelClient(cfg.FastModel, logger)
	if err != nil {
		return nil, fmt.Errorf("fast tier: %w", err)
	}
	powerful, err := newModelClient(cfg.PowerfulModel, logger)
	if err != nil {
		return nil, fmt.Errorf("powerful tier: %w", err)
	}
	return NewRouter(logger, fast, powerful, cfg.RequestsPerMinute)
}

func newModelClient(cfg config.AgentModelConfig, logger *zap.Logger) (schemas.AgentClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported agent provider: %q (supported: %s)",
			cfg.Provider, config.ProviderGemini)
	}
}
