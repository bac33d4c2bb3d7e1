package cmd

import (
	"log"

	"github.com/evd09/MemerV3/memer"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the Memer bot and web dashboard",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		bot, err := memer.New(cfg)
		if err != nil {
			log.Fatalf("error creating memer: %s", err.Error())
		}

		if err = bot.Run(ctx); err != nil {
			log.Fatalf("error running memer: %s", err.Error())
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
