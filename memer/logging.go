package memer

import (
	"context"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	gormLogger "gorm.io/gorm/logger"
)

const loggerNameKey = "logger"

// DBLogLevel is a log level stored as a string column, so runtime
// config rows can carry slog levels.
type DBLogLevel string

func (d DBLogLevel) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(d)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func (d DBLogLevel) String() string {
	return string(d)
}

func (d *DBLogLevel) Scan(value any) error {
	switch v := value.(type) {
	case string:
		*d = DBLogLevel(v)
	case []byte:
		*d = DBLogLevel(v)
	default:
		return fmt.Errorf("cannot scan %T into DBLogLevel", value)
	}
	return nil
}

func (d DBLogLevel) Value() (driver.Value, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(d)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", string(d), err)
	}
	return string(d), nil
}

func newLogger(level slog.Leveler, name string) *slog.Logger {
	return slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     level,
				AddSource: true,
			},
		),
	).With(loggerNameKey, name)
}

// gormStructuredLogger adapts slog to the gorm logger interface.
type gormStructuredLogger struct {
	logger        *slog.Logger
	slowThreshold time.Duration
}

func newGORMLogger(
	level slog.Leveler,
	slowThreshold time.Duration,
) *gormStructuredLogger {
	if slowThreshold == 0 {
		slowThreshold = DefaultDatabaseSlowThreshold
	}
	return &gormStructuredLogger{
		logger:        newLogger(level, "gorm"),
		slowThreshold: slowThreshold,
	}
}

func (g *gormStructuredLogger) LogMode(
	gormLogger.LogLevel,
) gormLogger.Interface {
	return g
}

func (g *gormStructuredLogger) Info(
	ctx context.Context,
	msg string,
	data ...any,
) {
	g.logger.InfoContext(ctx, fmt.Sprintf(msg, data...))
}

func (g *gormStructuredLogger) Warn(
	ctx context.Context,
	msg string,
	data ...any,
) {
	g.logger.WarnContext(ctx, fmt.Sprintf(msg, data...))
}

func (g *gormStructuredLogger) Error(
	ctx context.Context,
	msg string,
	data ...any,
) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(msg, data...))
}

func (g *gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	sql, rows := fc()

	attrs := []any{
		"elapsed", elapsed,
		"rows", rows,
		"sql", sql,
	}

	switch {
	case err != nil:
		attrs = append(attrs, tint.Err(err))
		g.logger.ErrorContext(ctx, "query error", attrs...)
	case g.slowThreshold > 0 && elapsed > g.slowThreshold:
		attrs = append(attrs, "slow_threshold", g.slowThreshold)
		g.logger.WarnContext(ctx, "slow query", attrs...)
	default:
		g.logger.DebugContext(ctx, "query", attrs...)
	}
}

// discordgoLoggerFunc bridges discordgo's printf-style logging to slog.
func discordgoLoggerFunc(
	ctx context.Context,
	logger *slog.Logger,
) func(msgL int, caller int, format string, a ...any) {
	return func(msgL int, _ int, format string, a ...any) {
		if logger == nil {
			return
		}
		logger.LogAttrs(
			ctx,
			discordgoLogLevels[msgL],
			fmt.Sprintf(format, a...),
		)
	}
}

var discordgoLogLevels = map[int]slog.Level{
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
	discordgo.LogDebug:         slog.LevelDebug,
}
