package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"psychbot/pkg/config"
	providertypes "psychbot/pkg/provider/types"

	"google.golang.org/genai"
)

const providerID = "gemini"

// blockingFinishReasons are candidate stop reasons that mean the service
// withheld the answer on safety grounds.
var blockingFinishReasons = map[genai.FinishReason]bool{
	genai.FinishReasonSafety:            true,
	genai.FinishReasonProhibitedContent: true,
	genai.FinishReasonBlocklist:         true,
	genai.FinishReasonSPII:              true,
}

type Client struct {
	client         *genai.Client
	model          string
	requestTimeout time.Duration
}

func New(ctx context.Context, cfg *config.Config) (*Client, error) {
	providerCfg := cfg.Providers.Gemini
	apiKey := strings.TrimSpace(providerCfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY is required")
	}

	model := strings.TrimSpace(cfg.Responder.Model)
	if model == "" {
		model = config.DefaultGeminiModel
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		clientCfg.HTTPOptions.BaseURL = baseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &Client{
		client:         client,
		model:          model,
		requestTimeout: time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second,
	}, nil
}

func (c *Client) Name() string {
	return providerID
}

func (c *Client) Model() string {
	return c.model
}

// Health fetches the configured model's metadata.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "health", "model", c.model)
	startedAt := time.Now()
	log.Debug("provider request started")

	if _, err := c.client.Models.Get(ctx, c.model, nil); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds())

	return nil
}

// Generate sends prompt as a single user turn. A returned error means the
// request never produced a usable response; safety blocks and empty answers
// come back as a Result.
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

	response, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), nil)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return providertypes.Result{}, fmt.Errorf("generate content failed: %w", err)
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

func classify(response *genai.GenerateContentResponse) providertypes.Result {
	if response == nil {
		return providertypes.Empty()
	}

	if feedback := response.PromptFeedback; feedback != nil {
		if reason := feedback.BlockReason; reason != "" && reason != genai.BlockedReasonUnspecified {
			return providertypes.Blocked(string(reason))
		}
	}

	if len(response.Candidates) == 0 || response.Candidates[0] == nil {
		return providertypes.Empty()
	}

	candidate := response.Candidates[0]
	if text := candidateText(candidate); text != "" {
		return providertypes.Success(text)
	}

	if blockingFinishReasons[candidate.FinishReason] {
		return providertypes.Blocked(string(candidate.FinishReason))
	}

	if candidate.FinishReason != "" && candidate.FinishReason != genai.FinishReasonStop {
		cause := string(candidate.FinishReason)
		if msg := strings.TrimSpace(candidate.FinishMessage); msg != "" {
			cause += ": " + msg
		}
		return providertypes.Failure(cause)
	}

	return providertypes.Empty()
}

func candidateText(candidate *genai.Candidate) string {
	if candidate.Content == nil {
		return ""
	}

	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}

	return strings.TrimSpace(b.String())
}

func usageFromResponse(response *genai.GenerateContentResponse) *providertypes.TokenUsage {
	if response == nil || response.UsageMetadata == nil {
		return nil
	}

	usage := providertypes.TokenUsage{
		InputTokens:  int64(response.UsageMetadata.PromptTokenCount),
		OutputTokens: int64(response.UsageMetadata.CandidatesTokenCount),
		TotalTokens:  int64(response.UsageMetadata.TotalTokenCount),
	}
	if usage.IsZero() {
		return nil
	}

	return &usage
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "provider.gemini")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}
