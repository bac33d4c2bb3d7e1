package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/evd09/MemerV3/memer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// set-password overwrites credentials even when they're already set,
// unlike init.
func TestAdminSetPasswordCommand(t *testing.T) {
	resetEnv(t)

	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	require.NoError(t, os.Setenv("MEMER_DATABASE_TYPE", "sqlite"))
	require.NoError(t, os.Setenv("MEMER_DATABASE", dbPath))
	require.NoError(t, os.Setenv("MEMER_DATA_DIR", tempDir))

	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	require.NoError(t, db.Migrator().AutoMigrate(&memer.RuntimeConfig{}))

	hashed, err := memer.HashPassword("old-password")
	require.NoError(t, err)
	runtimeConfig := memer.DefaultRuntimeConfig()
	runtimeConfig.AdminUsername = "old-admin"
	runtimeConfig.AdminPassword = hashed
	require.NoError(t, db.Create(&runtimeConfig).Error)
	sqlDB, _ := db.DB()
	require.NoError(t, sqlDB.Close())

	passwords := []string{"new-password", "new-password"}
	passwordIndex := 0
	t.Cleanup(
		func() {
			customPasswordReader = nil
		},
	)
	customPasswordReader = func() ([]byte, error) {
		if passwordIndex >= len(passwords) {
			return nil, fmt.Errorf("no more passwords")
		}
		password := passwords[passwordIndex]
		passwordIndex++
		return []byte(password), nil
	}

	oldStdin := os.Stdin
	t.Cleanup(
		func() {
			os.Stdin = oldStdin
		},
	)
	r, w, _ := os.Pipe()
	os.Stdin = r
	go func() {
		_, _ = w.Write([]byte("new-admin\n"))
		_ = w.Close()
	}()

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"admin", "set-password"})
	require.NoError(t, rootCmd.Execute())

	output := out.String()
	assert.Contains(t, output, "Enter admin username:")
	assert.Contains(t, output, "Enter admin password:")
	assert.Contains(t, output, "Dashboard credentials updated.")

	db, err = gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	var config memer.RuntimeConfig
	require.NoError(t, db.Last(&config).Error)
	assert.Equal(t, "new-admin", config.AdminUsername)

	valid, err := memer.VerifyPassword(config.AdminPassword, "new-password")
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = memer.VerifyPassword(config.AdminPassword, "old-password")
	require.NoError(t, err)
	assert.False(t, valid)
}
