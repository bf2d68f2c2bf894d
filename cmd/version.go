package cmd

import (
	"fmt"

	"github.com/gpteam/gpbot/gpbot"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"version=%s commit=%s built: %s",
			gpbot.Version,
			gpbot.CommitSHA,
			gpbot.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
