package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"psychbot/pkg/bus"
	"psychbot/pkg/config"
	"psychbot/pkg/pipeline"
	"psychbot/pkg/provider"
	"psychbot/pkg/sanitize"

	"github.com/spf13/cobra"
)

var (
	promptText string
	askHandle  string
)

var askCmd = &cobra.Command{
	Use:   "ask [post]",
	Short: "Preview the reply to a post without posting it",
	Long:  "Runs post text through sanitization, generation and composition and prints the reply that would be posted. Without input it starts an interactive loop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		text := resolvePrompt(args)

		cfg, _, err := loadRuntime("")
		if err != nil {
			return err
		}
		if err := cfg.ValidateGeneration(); err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		client, err := provider.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("initialize provider: %w", err)
		}

		if err := client.Health(ctx); err != nil {
			return fmt.Errorf("provider health check failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if text != "" {
			reply, err := answerOnce(ctx, client, cfg, text, askHandle)
			if err != nil {
				return err
			}
			printAssistantMessage(out, reply.Text)
			return nil
		}

		runInteractive(ctx, client, cfg, cmd.InOrStdin(), out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVarP(&promptText, "prompt", "p", "", "post text to answer")
	askCmd.Flags().StringVar(&askHandle, "handle", "someone", "handle the reply is addressed to")
}

func resolvePrompt(args []string) string {
	if value := strings.TrimSpace(promptText); value != "" {
		return value
	}

	if len(args) == 0 {
		return ""
	}

	return strings.TrimSpace(strings.Join(args, " "))
}

// answerOnce builds the reply the responder would post for text, without
// posting it. Text that sanitizes to nothing is an error.
func answerOnce(ctx context.Context, gen pipeline.Generator, cfg *config.Config, text, handle string) (bus.OutboundReply, error) {
	clean := sanitize.Text(text)
	if clean == "" {
		return bus.OutboundReply{}, errors.New("post has no content after sanitization")
	}

	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		handle = "someone"
	}

	body, _, err := pipeline.NewInvoker(gen, cfg.Responder.Persona, nil).Invoke(ctx, clean)
	if err != nil {
		return bus.OutboundReply{}, err
	}

	mode, err := pipeline.ParseMode(cfg.Mode)
	if err != nil {
		mode = pipeline.ModeMention
	}

	reply, _ := pipeline.NewComposer(cfg.Responder.MaxReplyLength, nil).Compose(body, handle, "", mode.ReplyVisibility())
	return reply, nil
}

func runInteractive(ctx context.Context, gen pipeline.Generator, cfg *config.Config, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				fmt.Fprintf(out, "input error: %v\n", err)
			}
			return
		}

		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if isExitCommand(text) {
			return
		}

		reply, err := answerOnce(ctx, gen, cfg, text, askHandle)
		if err != nil {
			fmt.Fprintf(out, "%v\n", err)
			continue
		}

		printAssistantMessage(out, reply.Text)
	}
}

func printAssistantMessage(out io.Writer, message string) {
	if out == nil {
		out = os.Stdout
	}
	lines := assistantLines(message)
	for _, line := range lines {
		fmt.Fprintf(out, "🛋  %s\n", line)
	}
	if len(lines) > 0 {
		fmt.Fprintln(out)
	}
}

func assistantLines(message string) []string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "\n")
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "quit", ":q":
		return true
	default:
		return false
	}
}
