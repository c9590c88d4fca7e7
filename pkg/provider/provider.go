package provider

import (
	"context"
	"fmt"
	"log/slog"

	"psychbot/pkg/config"
	providerfantasy "psychbot/pkg/provider/fantasy"
	providergemini "psychbot/pkg/provider/gemini"
	provideropenai "psychbot/pkg/provider/openai"
	provideropencode "psychbot/pkg/provider/opencode"
	providertypes "psychbot/pkg/provider/types"
)

// Client is a text generation backend with a cheap liveness probe.
type Client interface {
	Name() string
	Model() string
	Health(ctx context.Context) error
	Generate(ctx context.Context, prompt string) (providertypes.Result, error)
}

func New(ctx context.Context, cfg *config.Config) (Client, error) {
	providerID := cfg.Responder.Provider
	if providerID == "" {
		providerID = config.ProviderGemini
	}

	slog.Default().With("component", "provider.factory").Debug("Resolving provider client", "provider", providerID)

	switch providerID {
	case config.ProviderGemini:
		return providergemini.New(ctx, cfg)
	case config.ProviderOpenAI:
		return provideropenai.New(cfg)
	case config.ProviderFantasy:
		return providerfantasy.New(cfg)
	case config.ProviderOpenCode:
		return provideropencode.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerID)
	}
}
