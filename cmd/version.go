package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/yassin1255/GraduaatsProef-DiscordBot/warden"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"version=%s commit=%s built: %s",
			warden.Version,
			warden.CommitSHA,
			warden.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
