package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/evd09/MemerV3/memer"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
)

// passwordReader is a function type for reading passwords. It's really
// only here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the data directories, run migrations and set dashboard credentials",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		for _, dir := range []string{
			cfg.DataDir,
			cfg.SoundsDir(),
			cfg.StateDir(),
			cfg.LogDir(),
		} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				log.Fatalf("Error creating directory %s: %v", dir, err)
			}
		}
		fmt.Fprintf(out, "Data directories ready under %s\n", cfg.DataDir)

		dsn := cfg.Database
		if cfg.DatabaseType == "sqlite" && !filepath.IsAbs(dsn) {
			dsn = filepath.Join(cfg.StateDir(), dsn)
		}
		db, err := memer.CreateDB(ctx, cfg.DatabaseType, dsn)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
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

		if runtimeConfig.AdminUsername != "" && runtimeConfig.AdminPassword != "" {
			fmt.Fprintln(out, "Dashboard credentials are already set.")
			fmt.Fprintln(
				out,
				"Initialization complete. Start the bot with the 'run' subcommand.",
			)
			return
		}

		fmt.Fprintln(out, "Dashboard credentials are not set. Let's set them up.")

		username, password := promptCredentials(out)
		if err = saveCredentials(db, &runtimeConfig, username, password); err != nil {
			log.Fatalf("Error updating admin credentials: %v", err)
		}

		fmt.Fprintln(out, "Dashboard credentials set successfully.")
		fmt.Fprintln(
			out,
			"Initialization complete. Start the bot with the 'run' subcommand.",
		)
	},
}

// promptCredentials interactively reads a dashboard username and, with
// confirmation, a password.
func promptCredentials(out io.Writer) (string, string) {
	reader := bufio.NewReader(os.Stdin)
	fmt.Fprint(out, "Enter admin username: ")
	username, _ := reader.ReadString('\n')
	username = strings.TrimSpace(username)

	if customPasswordReader == nil {
		customPasswordReader = func() ([]byte, error) {
			return term.ReadPassword(int(syscall.Stdin))
		}
	}
	var password string
	for {
		fmt.Fprint(out, "Enter admin password: ")
		passwordBytes, _ := customPasswordReader()
		password = string(passwordBytes)
		fmt.Fprintln(out)

		fmt.Fprint(out, "Confirm admin password: ")
		confirmPasswordBytes, _ := customPasswordReader()
		confirmPassword := string(confirmPasswordBytes)
		fmt.Fprintln(out)

		if password == confirmPassword {
			break
		}
		fmt.Fprintln(out, "Passwords do not match. Please try again.")
	}
	return username, password
}

// saveCredentials hashes the password and writes both credentials to
// the runtime config row.
func saveCredentials(
	db *gorm.DB,
	runtimeConfig *memer.RuntimeConfig,
	username string,
	password string,
) error {
	hashedPassword, err := memer.HashPassword(password)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}
	return db.Model(runtimeConfig).Updates(
		map[string]any{
			"admin_username": username,
			"admin_password": hashedPassword,
		},
	).Error
}

func init() {
	rootCmd.AddCommand(initCmd)
}
