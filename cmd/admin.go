package cmd

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"

	"github.com/evd09/MemerV3/memer"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Dashboard administration commands",
}

var setPasswordCmd = &cobra.Command{
	Use:   "set-password",
	Short: "Set or reset the dashboard admin credentials",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		dsn := cfg.Database
		if cfg.DatabaseType == "sqlite" && !filepath.IsAbs(dsn) {
			dsn = filepath.Join(cfg.StateDir(), dsn)
		}
		db, err := memer.CreateDB(ctx, cfg.DatabaseType, dsn)
		if err != nil {
			log.Fatalf("Error opening database: %v", err)
		}

		var runtimeConfig memer.RuntimeConfig
		rv := db.Last(&runtimeConfig)
		if rv.Error != nil {
			if errors.Is(rv.Error, gorm.ErrRecordNotFound) {
				runtimeConfig = memer.DefaultRuntimeConfig()
				if err = db.Create(&runtimeConfig).Error; err != nil {
					log.Fatalf("Error creating runtime config: %v", err)
				}
			} else {
				log.Fatalf(
					"Error retrieving runtime config: %s",
					rv.Error.Error(),
				)
			}
		}

		username, password := promptCredentials(out)
		if err = saveCredentials(db, &runtimeConfig, username, password); err != nil {
			log.Fatalf("Error updating admin credentials: %v", err)
		}

		fmt.Fprintln(out, "Dashboard credentials updated.")
	},
}

func init() {
	adminCmd.AddCommand(setPasswordCmd)
	rootCmd.AddCommand(adminCmd)
}
