package cmd

import (
	"fmt"

	"github.com/gpteam/gpbot/gpbot"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the bot and (optionally) the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			bot, err := gpbot.New(cfg)
			if err != nil {
				return fmt.Errorf("error creating bot: %w", err)
			}
			if err = bot.Run(cmd.Context()); err != nil {
				return fmt.Errorf("error running bot: %w", err)
			}
			return nil
		},
	}
)

//nolint:gochecknoinits // cobra wiring
func init() {
	rootCmd.AddCommand(runCmd)
}
