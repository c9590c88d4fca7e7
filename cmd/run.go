package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"psychbot/pkg/bus"
	"psychbot/pkg/channel/mastodon"
	"psychbot/pkg/gateway"
	"psychbot/pkg/pipeline"
	"psychbot/pkg/provider"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var runMode string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the responder",
	Long:  "Connects to the Mastodon stream and answers eligible posts until interrupted.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runResponder(cmd.Context(), runMode)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runMode, "mode", "", "stream to follow: mention or public (overrides PSYCHBOT_MODE)")
}

func runResponder(parent context.Context, modeOverride string) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, appLogger, err := loadRuntime(modeOverride)
	if err != nil {
		return err
	}
	log := appLogger.With("component", "cmd.run")

	if err := cfg.Validate(); err != nil {
		log.Error("Configuration invalid", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := mastodon.NewClient(cfg.Mastodon, appLogger)
	if err != nil {
		return fmt.Errorf("initialize mastodon client: %w", err)
	}

	self, err := resolveIdentity(ctx, client, cfg.Mastodon.BotUsername, log)
	if err != nil {
		log.Error("Failed to verify bot credentials", "error", err)
		return err
	}

	generator, err := provider.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize provider: %w", err)
	}

	settings, err := pipelineSettings(cfg, self)
	if err != nil {
		return err
	}

	events := bus.NewMessageBus()
	defer events.Close()

	dispatcher, err := pipeline.NewDispatcher(settings, generator, client, pipeline.Options{
		Events: events,
		Log:    appLogger,
	})
	if err != nil {
		return err
	}

	stream, err := mastodon.NewStream(cfg.Mastodon, mastodon.StreamForMode(cfg.Mode), appLogger)
	if err != nil {
		return fmt.Errorf("initialize mastodon stream: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc, err := gateway.NewService(cfg, gateway.Dependencies{
		Adapter:    stream,
		Dispatcher: dispatcher,
		Provider:   generator,
		Events:     events,
		Registry:   registry,
	}, appLogger)
	if err != nil {
		return fmt.Errorf("initialize responder service: %w", err)
	}

	log.Info("Starting responder",
		"mode", cfg.Mode,
		"account", self.Acct,
		"provider", generator.Name(),
		"model", generator.Model(),
		"stream", stream.Endpoint(),
	)
	if err := svc.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		log.Error("Responder failed", "error", err)
		return err
	}

	return nil
}

type credentialVerifier interface {
	VerifyCredentials(ctx context.Context) (mastodon.Account, error)
}

// resolveIdentity asks the server who the token belongs to. A username that
// differs from the configured one is logged but not fatal; the verified
// account wins.
func resolveIdentity(ctx context.Context, verifier credentialVerifier, configured string, log *slog.Logger) (pipeline.Identity, error) {
	account, err := verifier.VerifyCredentials(ctx)
	if err != nil {
		return pipeline.Identity{}, err
	}

	configured = strings.TrimPrefix(strings.TrimSpace(configured), "@")
	if configured != "" && !strings.EqualFold(configured, account.Username) {
		log.Warn("Configured BOT_USERNAME does not match the verified account",
			"configured", configured,
			"verified", account.Username,
		)
	}

	acct := account.Acct
	if acct == "" {
		acct = account.Username
	}

	log.Info("Verified bot account", "account_id", account.ID, "acct", acct)
	return pipeline.Identity{AccountID: account.ID, Acct: acct}, nil
}
