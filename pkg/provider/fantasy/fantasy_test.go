package fantasy

import (
	"context"
	"errors"
	"testing"

	core "charm.land/fantasy"

	"psychbot/pkg/config"
	providertypes "psychbot/pkg/provider/types"
)

type fakeLanguageModelProvider struct {
	model     core.LanguageModel
	err       error
	lastID    string
	callCount int
}

func (f *fakeLanguageModelProvider) LanguageModel(ctx context.Context, modelID string) (core.LanguageModel, error) {
	f.callCount++
	f.lastID = modelID
	if f.err != nil {
		return nil, f.err
	}

	return f.model, nil
}

type fakeLanguageModel struct{}

func (f *fakeLanguageModel) Generate(context.Context, core.Call) (*core.Response, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) Stream(context.Context, core.Call) (core.StreamResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) GenerateObject(context.Context, core.ObjectCall) (*core.ObjectResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) StreamObject(context.Context, core.ObjectCall) (core.ObjectStreamResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) Provider() string { return "openai" }
func (f *fakeLanguageModel) Model() string    { return "gpt-test" }

func newFakeClient(generate func(context.Context, core.LanguageModel, core.AgentCall) (*core.AgentResult, error)) (*Client, *fakeLanguageModelProvider) {
	provider := &fakeLanguageModelProvider{model: &fakeLanguageModel{}}
	return &Client{provider: provider, modelID: "gpt-test", generate: generate}, provider
}

func TestNewRequiresAPIKey(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Responder.Provider = config.ProviderFantasy

	if _, err := New(cfg); err == nil {
		t.Fatal("expected missing api key error")
	}
}

func TestNewUsesDefaultModel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Responder.Provider = config.ProviderFantasy
	cfg.Providers.OpenAI.APIKey = "sk-test"

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if client.Model() != config.DefaultOpenAIModel {
		t.Fatalf("model = %q, want %q", client.Model(), config.DefaultOpenAIModel)
	}
}

func TestNormalizeOpenAIModel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain model", input: "gpt-5.2", want: "gpt-5.2"},
		{name: "openai prefixed", input: "openai/gpt-5.2", want: "gpt-5.2"},
		{name: "non openai prefixed", input: "anthropic/claude", wantErr: true},
		{name: "empty", input: "", want: config.DefaultOpenAIModel},
		{name: "dangling prefix", input: "openai/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeOpenAIModel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("normalizeOpenAIModel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("normalizeOpenAIModel(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestHealthResolvesModel(t *testing.T) {
	client, provider := newFakeClient(nil)

	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("Health error: %v", err)
	}
	if provider.lastID != "gpt-test" {
		t.Fatalf("resolved model = %q, want gpt-test", provider.lastID)
	}

	provider.err = errors.New("unknown model")
	if err := client.Health(context.Background()); err == nil {
		t.Fatal("expected health error")
	}
}

func TestGenerateSendsSingleTurnPrompt(t *testing.T) {
	var calls []core.AgentCall
	client, _ := newFakeClient(func(_ context.Context, _ core.LanguageModel, call core.AgentCall) (*core.AgentResult, error) {
		calls = append(calls, call)
		return &core.AgentResult{
			Response: core.Response{
				Content: core.ResponseContent{
					core.ReasoningContent{Text: "ignore me"},
					core.TextContent{Text: "  It sounds heavy.  "},
				},
			},
			TotalUsage: core.Usage{InputTokens: 12, OutputTokens: 5, TotalTokens: 17},
		}, nil
	})

	result, err := client.Generate(context.Background(), "  persona\n\nUser post: \"hi\"  ")
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if result.Outcome != providertypes.OutcomeSuccess || result.Text != "It sounds heavy." {
		t.Fatalf("result = %+v", result)
	}
	if result.Metadata.Provider != "fantasy" || result.Metadata.Usage == nil || result.Metadata.Usage.TotalTokens != 17 {
		t.Fatalf("metadata = %+v", result.Metadata)
	}
	if len(calls) != 1 || calls[0].Prompt != "persona\n\nUser post: \"hi\"" || len(calls[0].Messages) != 0 {
		t.Fatalf("calls = %#v", calls)
	}
}

func TestGenerateErrors(t *testing.T) {
	client, _ := newFakeClient(func(context.Context, core.LanguageModel, core.AgentCall) (*core.AgentResult, error) {
		return nil, errors.New("connection refused")
	})

	if _, err := client.Generate(context.Background(), "   "); err == nil {
		t.Fatal("expected error for blank prompt")
	}
	if _, err := client.Generate(context.Background(), "hello"); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		response core.Response
		want     providertypes.Outcome
	}{
		{name: "text", response: core.Response{Content: core.ResponseContent{core.TextContent{Text: "ok"}}}, want: providertypes.OutcomeSuccess},
		{name: "content filter", response: core.Response{FinishReason: core.FinishReasonContentFilter}, want: providertypes.OutcomeBlocked},
		{name: "stop without text", response: core.Response{FinishReason: core.FinishReasonStop}, want: providertypes.OutcomeEmpty},
		{name: "other finish", response: core.Response{FinishReason: core.FinishReasonToolCalls}, want: providertypes.OutcomeFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.response).Outcome; got != tt.want {
				t.Fatalf("classify outcome = %v, want %v", got, tt.want)
			}
		})
	}
}
