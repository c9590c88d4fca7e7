package fantasy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	core "charm.land/fantasy"
	provideropenai "charm.land/fantasy/providers/openai"

	"psychbot/pkg/config"
	providertypes "psychbot/pkg/provider/types"
)

const providerID = "fantasy"

type languageModelProvider interface {
	LanguageModel(ctx context.Context, modelID string) (core.LanguageModel, error)
}

// Client generates replies through a fantasy agent backed by the OpenAI
// provider. Every call is a fresh single-turn conversation.
type Client struct {
	provider       languageModelProvider
	requestTimeout time.Duration
	modelID        string
	generate       func(context.Context, core.LanguageModel, core.AgentCall) (*core.AgentResult, error)
}

func New(cfg *config.Config) (*Client, error) {
	providerCfg := cfg.Providers.OpenAI
	apiKey := strings.TrimSpace(providerCfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY is required")
	}

	modelID, err := normalizeOpenAIModel(cfg.Responder.Model)
	if err != nil {
		return nil, err
	}

	providerOptions := []provideropenai.Option{provideropenai.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		providerOptions = append(providerOptions, provideropenai.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(providerCfg.Organization); organization != "" {
		providerOptions = append(providerOptions, provideropenai.WithOrganization(organization))
	}
	if project := strings.TrimSpace(providerCfg.Project); project != "" {
		providerOptions = append(providerOptions, provideropenai.WithProject(project))
	}

	fantasyProvider, err := provideropenai.New(providerOptions...)
	if err != nil {
		return nil, fmt.Errorf("initialize fantasy openai provider: %w", err)
	}

	return &Client{
		provider:       fantasyProvider,
		requestTimeout: time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second,
		modelID:        modelID,
		generate:       generateWithFantasyAgent,
	}, nil
}

func (c *Client) Name() string {
	return providerID
}

func (c *Client) Model() string {
	return c.modelID
}

// Health resolves the language model. It does not spend tokens.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.provider.LanguageModel(ctx, c.modelID); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	return nil
}

func (c *Client) Generate(ctx context.Context, prompt string) (providertypes.Result, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "generate", "model", c.modelID)
	startedAt := time.Now()

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return providertypes.Result{}, errors.New("prompt is required")
	}

	languageModel, err := c.provider.LanguageModel(ctx, c.modelID)
	if err != nil {
		return providertypes.Result{}, fmt.Errorf("resolve language model: %w", err)
	}

	generate := c.generate
	if generate == nil {
		generate = generateWithFantasyAgent
	}

	log.Debug("provider request started", "prompt_length", len(prompt))
	agentResult, err := generate(ctx, languageModel, core.AgentCall{Prompt: prompt})
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return providertypes.Result{}, fmt.Errorf("prompt failed: %w", err)
	}
	if agentResult == nil {
		return providertypes.Result{}, errors.New("prompt returned no result")
	}

	result := classify(agentResult.Response).WithMetadata(providertypes.Metadata{
		Provider: providerID,
		Model:    c.modelID,
		Usage:    usageFromResult(agentResult),
	})
	log.Debug("provider request completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"outcome", result.Outcome.String(),
	)

	return result, nil
}

func classify(response core.Response) providertypes.Result {
	if text := extractText(response.Content); text != "" {
		return providertypes.Success(text)
	}

	switch response.FinishReason {
	case core.FinishReasonContentFilter:
		return providertypes.Blocked(string(response.FinishReason))
	case core.FinishReasonStop, "":
		return providertypes.Empty()
	default:
		return providertypes.Failure("finish reason: " + string(response.FinishReason))
	}
}

func usageFromResult(result *core.AgentResult) *providertypes.TokenUsage {
	usage := providertypes.TokenUsage{
		InputTokens:  result.TotalUsage.InputTokens,
		OutputTokens: result.TotalUsage.OutputTokens,
		TotalTokens:  result.TotalUsage.TotalTokens,
	}
	if usage.IsZero() {
		return nil
	}
	return &usage
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "provider.fantasy")
}

func normalizeOpenAIModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return config.DefaultOpenAIModel, nil
	}

	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 {
		return model, nil
	}

	providerID := strings.TrimSpace(parts[0])
	modelID := strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", errors.New("model is invalid")
	}
	if providerID != "openai" {
		return "", fmt.Errorf("model provider %q is not supported by fantasy openai provider", providerID)
	}

	return modelID, nil
}

func extractText(content core.ResponseContent) string {
	lines := make([]string, 0)
	for _, part := range content {
		if part.GetType() != core.ContentTypeText {
			continue
		}

		textPart, ok := core.AsContentType[core.TextContent](part)
		if !ok {
			continue
		}

		line := strings.TrimSpace(textPart.Text)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func generateWithFantasyAgent(ctx context.Context, model core.LanguageModel, call core.AgentCall) (*core.AgentResult, error) {
	return core.NewAgent(model).Generate(ctx, call)
}
