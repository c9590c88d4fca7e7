package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	providertypes "psychbot/pkg/provider/types"
)

// DefaultPersona is the system text prepended to every generation request.
const DefaultPersona = `You are a compassionate and insightful psychologist bot. Your goal is to offer brief, supportive, and potentially thought-provoking comments based on the user's post.
Keep your responses concise, typically one or two sentences. Focus on empathy, validation, or gentle reframing.
Do not give direct advice or diagnosis. Avoid overly clinical language.
If the post seems like a cry for help or indicates immediate danger, gently suggest seeking professional help or contacting emergency services, but do not attempt to handle the crisis yourself.
Example Interaction:
User posts: "Feeling really overwhelmed with work deadlines this week."
Your response: "It sounds like a lot is on your plate right now. Remember to take small breaks if you can."`

// Canned reply bodies substituted for unusable generation results.
const (
	SafetyBlockedReply = "I'm unable to respond to that specific content due to safety guidelines."
	TroubleReply       = "I had trouble processing that request. Please try rephrasing."
)

// Generator is the generation service boundary. Implementations classify
// every response they receive; a returned error means no usable response
// arrived at all.
type Generator interface {
	Generate(ctx context.Context, prompt string) (providertypes.Result, error)
}

// Invoker turns sanitized text into a reply body through one generation call.
type Invoker struct {
	generator Generator
	persona   string
	log       *slog.Logger
}

func NewInvoker(generator Generator, persona string, log *slog.Logger) *Invoker {
	if strings.TrimSpace(persona) == "" {
		persona = DefaultPersona
	}
	if log == nil {
		log = slog.Default()
	}
	return &Invoker{
		generator: generator,
		persona:   strings.TrimSpace(persona),
		log:       log.With("component", "pipeline.invoker"),
	}
}

// Prompt frames text as a quoted user post under the persona instructions.
func (i *Invoker) Prompt(text string) string {
	return fmt.Sprintf("%s\n\nUser post: \"%s\"", i.persona, text)
}

// Invoke calls the generator exactly once and always yields a non-empty body
// unless the call itself fails.
func (i *Invoker) Invoke(ctx context.Context, text string) (string, providertypes.Result, error) {
	result, err := i.generator.Generate(ctx, i.Prompt(text))
	if err != nil {
		return "", providertypes.Result{}, fmt.Errorf("generate reply: %w", err)
	}

	return i.body(result), result, nil
}

func (i *Invoker) body(result providertypes.Result) string {
	switch result.Outcome {
	case providertypes.OutcomeSuccess:
		if strings.TrimSpace(result.Text) != "" {
			return result.Text
		}
		i.log.Warn("Generation reported success without text")
		return TroubleReply
	case providertypes.OutcomeBlocked:
		i.log.Warn("Generation blocked", "reason", result.BlockReason)
		return SafetyBlockedReply
	case providertypes.OutcomeFailure:
		i.log.Warn("Generation response unusable", "cause", result.Cause)
		return TroubleReply
	default:
		i.log.Warn("Generation returned neither text nor a block reason")
		return TroubleReply
	}
}
