package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "psychbot",
	Short: "Supportive Mastodon responder",
	Long: "psychbot listens to a Mastodon stream and answers eligible posts with a short,\n" +
		"supportive reply from a generation model. It is not a therapist.",
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
