package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"psychbot/pkg/bus"
	"psychbot/pkg/logger"
	"psychbot/pkg/sanitize"
)

// ApologyReply is posted once when answering an event fails.
const ApologyReply = "Sorry, I encountered an internal error while trying to respond."

// Poster publishes a composed reply to the network.
type Poster interface {
	Post(ctx context.Context, reply bus.OutboundReply) error
}

// Disposition is what happened to one event.
type Disposition string

const (
	DispositionSkipped    Disposition = "skipped"
	DispositionReplied    Disposition = "replied"
	DispositionApologized Disposition = "apologized"
	DispositionAbandoned  Disposition = "abandoned"
)

// Options carries optional collaborators for NewDispatcher.
type Options struct {
	// Draw replaces the sampler's random source.
	Draw   func() float64
	Events *bus.MessageBus
	Log    *slog.Logger
}

// Dispatcher runs the pipeline for one event at a time and contains every
// failure to that event.
type Dispatcher struct {
	settings Settings
	filter   Filter
	sampler  *Sampler
	invoker  *Invoker
	composer *Composer
	poster   Poster
	events   *bus.MessageBus
	log      *slog.Logger
}

func NewDispatcher(settings Settings, generator Generator, poster Poster, opts Options) (*Dispatcher, error) {
	if err := settings.validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline settings: %w", err)
	}
	if generator == nil {
		return nil, errors.New("generator is required")
	}
	if poster == nil {
		return nil, errors.New("poster is required")
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	return &Dispatcher{
		settings: settings,
		filter:   Filter{Mode: settings.Mode, Self: settings.Self},
		sampler:  NewSampler(settings.ReplyProbability, opts.Draw),
		invoker:  NewInvoker(generator, settings.Persona, log),
		composer: NewComposer(settings.MaxReplyLength, log),
		poster:   poster,
		events:   opts.Events,
		log:      log.With("component", "pipeline.dispatcher", "mode", string(settings.Mode)),
	}, nil
}

// Settings returns the startup context the dispatcher was built with.
func (d *Dispatcher) Settings() Settings {
	return d.settings
}

// Handle processes ev to completion. It never returns an error or panics:
// failures are logged, answered with at most one apology, and left behind.
func (d *Dispatcher) Handle(ctx context.Context, ev bus.InboundEvent) (disposition Disposition) {
	log := d.log.With("status_id", ev.StatusID, "author", ev.AuthorAcct)
	defer func() {
		if recovered := recover(); recovered != nil {
			err := fmt.Errorf("panic while handling status: %v", recovered)
			log.Error("Abandoning status", "error", err)
			d.publishSafely(ctx, bus.EventFailed, ev, err)
			disposition = DispositionAbandoned
		}
	}()

	d.publish(ctx, bus.EventReceived, ev, nil, nil)

	if ok, reason := d.filter.Check(ev); !ok {
		log.Info("Ignoring status", "reason", reason)
		d.skip(ctx, ev, reason)
		return DispositionSkipped
	}

	if d.settings.Mode == ModePublic && !d.sampler.Keep() {
		log.Debug("Status sampled out")
		d.skip(ctx, ev, ReasonSampledOut)
		return DispositionSkipped
	}

	log.Info("Received status", "content", logger.Preview(ev.Content))

	err := d.respond(ctx, log, ev)
	if err == nil {
		return DispositionReplied
	}

	if errors.Is(err, errNoContent) {
		log.Warn("Status content is empty after cleaning, skipping")
		d.skip(ctx, ev, ReasonNoContent)
		return DispositionSkipped
	}

	d.publish(ctx, bus.EventFailed, ev, nil, err)
	if ctx.Err() != nil {
		log.Warn("Abandoning status on shutdown", "error", err)
		return DispositionAbandoned
	}

	log.Error("Failed to answer status", "error", err)
	return d.apologize(ctx, log, ev)
}

var errNoContent = errors.New("no content after sanitizing")

func (d *Dispatcher) respond(ctx context.Context, log *slog.Logger, ev bus.InboundEvent) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic while answering status: %v", recovered)
		}
	}()

	text := sanitize.Text(ev.Content)
	if text == "" {
		return errNoContent
	}
	log.Debug("Cleaned content", "text", logger.Preview(text))

	body, result, err := d.invoker.Invoke(ctx, text)
	if err != nil {
		return err
	}
	log.Info("Generated reply", "outcome", result.Outcome.String(), "reply", logger.Preview(body))

	reply, truncated := d.composer.Compose(body, ev.AuthorAcct, ev.StatusID, d.settings.Mode.ReplyVisibility())
	if err := d.poster.Post(ctx, reply); err != nil {
		return fmt.Errorf("post reply: %w", err)
	}

	log.Info("Reply posted", "visibility", string(reply.Visibility), "truncated", truncated)
	d.publish(ctx, bus.EventReplyPosted, ev, map[string]string{
		bus.PayloadOutcome:   result.Outcome.String(),
		bus.PayloadTruncated: strconv.FormatBool(truncated),
	}, nil)
	return nil
}

func (d *Dispatcher) apologize(ctx context.Context, log *slog.Logger, ev bus.InboundEvent) Disposition {
	apology, _ := d.composer.Compose(ApologyReply, ev.AuthorAcct, ev.StatusID, bus.VisibilityDirect)
	if err := d.poster.Post(ctx, apology); err != nil {
		log.Error("Failed to post error message reply", "error", err)
		d.publish(ctx, bus.EventApologyFailed, ev, nil, err)
		return DispositionAbandoned
	}

	log.Info("Posted error message to user")
	d.publish(ctx, bus.EventApologyPosted, ev, nil, nil)
	return DispositionApologized
}

// publishSafely reports a failure from the panic boundary, where even the
// bus may be the component that panicked.
func (d *Dispatcher) publishSafely(ctx context.Context, eventType bus.EventType, ev bus.InboundEvent, err error) {
	defer func() {
		_ = recover()
	}()
	d.publish(ctx, eventType, ev, nil, err)
}

func (d *Dispatcher) skip(ctx context.Context, ev bus.InboundEvent, reason string) {
	d.publish(ctx, bus.EventSkipped, ev, map[string]string{bus.PayloadReason: reason}, nil)
}

func (d *Dispatcher) publish(ctx context.Context, eventType bus.EventType, ev bus.InboundEvent, payload map[string]string, err error) {
	if d.events == nil {
		return
	}

	event := bus.Event{
		Type:       eventType,
		StatusID:   ev.StatusID,
		AuthorAcct: ev.AuthorAcct,
		Payload:    payload,
	}
	if err != nil {
		event.Error = err.Error()
	}
	d.events.PublishEvent(ctx, event)
}
