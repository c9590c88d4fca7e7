package opencode

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"psychbot/pkg/config"
	providertypes "psychbot/pkg/provider/types"

	sdk "github.com/sst/opencode-sdk-go"
	"github.com/sst/opencode-sdk-go/option"
)

const (
	providerID   = "opencode"
	sessionTitle = "psychbot reply"
)

// Client answers each prompt in a fresh opencode session so no reply sees
// another user's post.
type Client struct {
	client         *sdk.Client
	model          string
	requestTimeout time.Duration
}

type healthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

func New(cfg *config.Config) (*Client, error) {
	providerCfg := cfg.Providers.OpenCode
	baseURL := strings.TrimSpace(providerCfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("OPENCODE_BASE_URL is required")
	}

	model := strings.TrimSpace(cfg.Responder.Model)
	if model != "" {
		if _, _, ok := parseModelRef(model); !ok {
			return nil, fmt.Errorf("opencode model must be provider/model, got %q", model)
		}
	}

	opts := []option.RequestOption{option.WithBaseURL(baseURL), option.WithMaxRetries(0)}
	if authHeader, ok := buildBasicAuthHeader(providerCfg); ok {
		opts = append(opts, option.WithHeader("Authorization", authHeader))
	}

	return &Client{
		client:         sdk.NewClient(opts...),
		model:          model,
		requestTimeout: time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second,
	}, nil
}

func (c *Client) Name() string {
	return providerID
}

// Model is the provider/model reference, or empty for the server default.
func (c *Client) Model() string {
	return c.model
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "health")
	startedAt := time.Now()
	log.Debug("provider request started")

	var response healthResponse
	if err := c.client.Get(ctx, "/global/health", nil, &response); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", err)
	}
	if !response.Healthy {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "server unhealthy")
		return errors.New("opencode server reported unhealthy status")
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "version", response.Version)
	return nil
}

// Generate opens a session, sends prompt as one text part and classifies
// the assistant message.
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

	session, err := c.client.Session.New(ctx, sdk.SessionNewParams{Title: sdk.F(sessionTitle)})
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return providertypes.Result{}, fmt.Errorf("create session failed: %w", err)
	}
	if session.ID == "" {
		return providertypes.Result{}, errors.New("create session returned empty session id")
	}

	params := sdk.SessionPromptParams{
		Parts: sdk.F([]sdk.SessionPromptParamsPartUnion{
			sdk.TextPartInputParam{
				Type: sdk.F(sdk.TextPartInputTypeText),
				Text: sdk.F(prompt),
			},
		}),
	}
	if providerRef, modelID, ok := parseModelRef(c.model); ok {
		params.Model = sdk.F(sdk.SessionPromptParamsModel{
			ProviderID: sdk.F(providerRef),
			ModelID:    sdk.F(modelID),
		})
	}

	response, err := c.client.Session.Prompt(ctx, session.ID, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return providertypes.Result{}, fmt.Errorf("prompt failed: %w", err)
	}

	result := classify(response.Parts)
	usage := providertypes.TokenUsage{
		InputTokens:  tokenCount(response.Info.Tokens.Input),
		OutputTokens: tokenCount(response.Info.Tokens.Output),
		TotalTokens:  tokenCount(response.Info.Tokens.Input) + tokenCount(response.Info.Tokens.Output),
	}
	metadata := providertypes.Metadata{
		Provider: providerID,
		Model:    modelRef(response.Info.ProviderID, response.Info.ModelID, c.model),
	}
	if !usage.IsZero() {
		metadata.Usage = &usage
	}
	result = result.WithMetadata(metadata)

	log.Debug("provider request completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"session_id", session.ID,
		"outcome", result.Outcome.String(),
		"parts_count", len(response.Parts),
	)
	return result, nil
}

// classify has no block signal to read: opencode reports refusals as
// ordinary text, so anything without text is empty.
func classify(parts []sdk.Part) providertypes.Result {
	if text := extractText(parts); text != "" {
		return providertypes.Success(text)
	}
	return providertypes.Empty()
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "provider.opencode")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

func buildBasicAuthHeader(cfg config.OpenCodeProviderConfig) (string, bool) {
	passwordEnv := strings.TrimSpace(cfg.PasswordEnv)
	if passwordEnv == "" {
		return "", false
	}

	password := strings.TrimSpace(os.Getenv(passwordEnv))
	if password == "" {
		return "", false
	}

	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		username = "opencode"
	}

	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return "Basic " + token, true
}

func parseModelRef(input string) (providerID string, modelID string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(input), "/", 2)
	if len(parts) != 2 {
		return "", "", false
	}

	providerID = strings.TrimSpace(parts[0])
	modelID = strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", "", false
	}

	return providerID, modelID, true
}

func modelRef(providerID, modelID, fallback string) string {
	providerID = strings.TrimSpace(providerID)
	modelID = strings.TrimSpace(modelID)
	if providerID == "" || modelID == "" {
		return fallback
	}
	return providerID + "/" + modelID
}

func extractText(parts []sdk.Part) string {
	var lines []string
	for _, part := range parts {
		if part.Type == sdk.PartTypeText {
			text := strings.TrimSpace(part.Text)
			if text != "" {
				lines = append(lines, text)
			}
		}
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func tokenCount(value float64) int64 {
	if value <= 0 {
		return 0
	}

	return int64(math.Round(value))
}
