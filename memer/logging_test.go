package memer

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBLogLevelLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, DBLogLevel("DEBUG").Level())
	assert.Equal(t, slog.LevelInfo, DBLogLevel("INFO").Level())
	assert.Equal(t, slog.LevelWarn, DBLogLevel("WARN").Level())
	assert.Equal(t, slog.LevelError, DBLogLevel("ERROR").Level())

	// garbage falls back to info instead of failing
	assert.Equal(t, slog.LevelInfo, DBLogLevel("LOUD").Level())
}

func TestDBLogLevelScan(t *testing.T) {
	var d DBLogLevel
	require.NoError(t, d.Scan("WARN"))
	assert.Equal(t, DBLogLevel("WARN"), d)

	require.NoError(t, d.Scan([]byte("ERROR")))
	assert.Equal(t, DBLogLevel("ERROR"), d)

	assert.Error(t, d.Scan(42))
}

func TestDBLogLevelValue(t *testing.T) {
	v, err := DBLogLevel("DEBUG").Value()
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", v)

	_, err = DBLogLevel("LOUD").Value()
	assert.Error(t, err)
}

func TestDiscordgoLoggerFunc(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(
		slog.NewTextHandler(
			&buf, &slog.HandlerOptions{Level: slog.LevelDebug},
		),
	)

	bridge := discordgoLoggerFunc(context.Background(), logger)
	bridge(discordgo.LogWarning, 0, "dropped %d frames", 3)

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "dropped 3 frames")

	buf.Reset()
	bridge(discordgo.LogDebug, 0, "heartbeat")
	assert.Contains(t, buf.String(), "level=DEBUG")
}

func TestNewLogger(t *testing.T) {
	lvl := &slog.LevelVar{}
	lvl.Set(slog.LevelWarn)
	logger := newLogger(lvl, "test")
	require.NotNil(t, logger)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))
}
