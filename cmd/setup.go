package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"psychbot/pkg/config"
	"psychbot/pkg/logger"
	"psychbot/pkg/pipeline"
)

// loadRuntime loads configuration, applies a non-empty mode override and
// installs the configured logger as the slog default.
func loadRuntime(modeOverride string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	if mode := strings.ToLower(strings.TrimSpace(modeOverride)); mode != "" {
		cfg.Mode = mode
	}

	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)

	return cfg, appLogger, nil
}

// pipelineSettings turns validated configuration and the resolved account
// into the immutable startup context of the pipeline.
func pipelineSettings(cfg *config.Config, self pipeline.Identity) (pipeline.Settings, error) {
	mode, err := pipeline.ParseMode(cfg.Mode)
	if err != nil {
		return pipeline.Settings{}, err
	}

	return pipeline.Settings{
		Mode:             mode,
		Self:             self,
		ReplyProbability: cfg.Responder.ReplyProbability,
		MaxReplyLength:   cfg.Responder.MaxReplyLength,
		Persona:          cfg.Responder.Persona,
	}, nil
}
