package cmd

import (
	"fmt"

	"psychbot/pkg/channel/mastodon"

	"github.com/spf13/cobra"
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the account the access token belongs to",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, appLogger, err := loadRuntime("")
		if err != nil {
			return err
		}
		if err := cfg.ValidateMastodon(); err != nil {
			return err
		}

		client, err := mastodon.NewClient(cfg.Mastodon, appLogger)
		if err != nil {
			return fmt.Errorf("initialize mastodon client: %w", err)
		}

		self, err := resolveIdentity(cmd.Context(), client, cfg.Mastodon.BotUsername, appLogger.With("component", "cmd.whoami"))
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "id:   %s\nacct: @%s\n", self.AccountID, self.Acct)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
}
