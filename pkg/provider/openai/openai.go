package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"psychbot/pkg/config"
	providertypes "psychbot/pkg/provider/types"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
)

const (
	providerID = "openai"

	contentTypeRefusal   = "refusal"
	incompleteFilter     = "content_filter"
	responseStatusFailed = "failed"
)

type Client struct {
	client         osdk.Client
	model          string
	requestTimeout time.Duration
}

func New(cfg *config.Config) (*Client, error) {
	providerCfg := cfg.Providers.OpenAI
	apiKey := strings.TrimSpace(providerCfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY is required")
	}

	model, err := normalizeModel(cfg.Responder.Model)
	if err != nil {
		return nil, err
	}

	// Each event gets exactly one generation attempt.
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(providerCfg.Organization); organization != "" {
		opts = append(opts, option.WithOrganization(organization))
	}
	if project := strings.TrimSpace(providerCfg.Project); project != "" {
		opts = append(opts, option.WithProject(project))
	}

	requestTimeout := time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}

	return &Client{
		client:         osdk.NewClient(opts...),
		model:          model,
		requestTimeout: requestTimeout,
	}, nil
}

func (c *Client) Name() string {
	return providerID
}

func (c *Client) Model() string {
	return c.model
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "health")
	startedAt := time.Now()
	log.Debug("provider request started")

	if _, err := c.client.Models.List(ctx); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds())

	return nil
}

// Generate runs a single stateless Responses call for prompt.
func (c *Client) Generate(ctx context.Context, prompt string) (providertypes.Result, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "generate", "model", c.model)
	startedAt := time.Now()

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return providertypes.Result{}, errors.New("prompt is required")
	}
	log.Debug("provider request started", "prompt_length", len(prompt))

	response, err := c.client.Responses.New(ctx, responses.ResponseNewParams{
		Model: c.model,
		Input: responses.ResponseNewParamsInputUnion{OfString: osdk.String(prompt)},
	})
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return providertypes.Result{}, fmt.Errorf("create response failed: %w", err)
	}

	result := classify(response).WithMetadata(providertypes.Metadata{
		Provider: providerID,
		Model:    c.model,
		Usage:    usageFromResponse(response),
	})
	log.Debug("provider request completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"outcome", result.Outcome.String(),
		"response_length", len(result.Text),
	)

	return result, nil
}

func classify(response *responses.Response) providertypes.Result {
	if response == nil {
		return providertypes.Empty()
	}

	if text := strings.TrimSpace(response.OutputText()); text != "" {
		return providertypes.Success(text)
	}

	for _, item := range response.Output {
		for _, content := range item.Content {
			if content.Type == contentTypeRefusal {
				return providertypes.Blocked(contentTypeRefusal)
			}
		}
	}

	if response.IncompleteDetails.Reason == incompleteFilter {
		return providertypes.Blocked(incompleteFilter)
	}

	if string(response.Status) == responseStatusFailed {
		cause := strings.TrimSpace(response.Error.Message)
		if cause == "" {
			cause = responseStatusFailed
		}
		return providertypes.Failure(cause)
	}

	if reason := strings.TrimSpace(response.IncompleteDetails.Reason); reason != "" {
		return providertypes.Failure("incomplete: " + reason)
	}

	return providertypes.Empty()
}

func usageFromResponse(response *responses.Response) *providertypes.TokenUsage {
	if response == nil {
		return nil
	}

	usage := providertypes.TokenUsage{
		InputTokens:  response.Usage.InputTokens,
		OutputTokens: response.Usage.OutputTokens,
		TotalTokens:  response.Usage.TotalTokens,
	}
	if usage.IsZero() {
		return nil
	}

	return &usage
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "provider.openai")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func normalizeModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return config.DefaultOpenAIModel, nil
	}

	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 {
		return model, nil
	}

	prefix := strings.TrimSpace(parts[0])
	modelID := strings.TrimSpace(parts[1])
	if prefix == "" || modelID == "" {
		return "", errors.New("model is invalid")
	}
	if prefix != providerID {
		return "", fmt.Errorf("model provider %q is not supported by openai provider", prefix)
	}

	return modelID, nil
}
