package cmd

import (
	"fmt"

	"github.com/evd09/MemerV3/memer"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"version=%s commit=%s built: %s",
			memer.Version,
			memer.CommitSHA,
			memer.BuildTime,
		)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
