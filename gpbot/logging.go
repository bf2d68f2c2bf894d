package gpbot

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/gorm/logger"
	"log/slog"
	"os"
	"strings"
	"time"
)

const loggerNameKey = "logger"

// newComponentLogger returns a tint-backed logger for the named component,
// at the given level.
func newComponentLogger(name string, level slog.Leveler) *slog.Logger {
	handler := tint.NewHandler(
		os.Stdout, &tint.Options{
			Level:     level,
			AddSource: true,
		},
	)
	return slog.New(handler).With(loggerNameKey, name)
}

func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler).With(loggerNameKey, "discordgo")
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

// gormStructuredLogger implements gorm's logger.Interface on top of slog
type gormStructuredLogger struct {
	logger        *slog.Logger
	SlowThreshold time.Duration
}

func newGORMLogger(
	handler slog.Handler,
	slowThreshold time.Duration,
) *gormStructuredLogger {
	return &gormStructuredLogger{
		logger:        slog.New(handler).With(loggerNameKey, "gorm"),
		SlowThreshold: slowThreshold,
	}
}

// LogMode is a no-op, levels are controlled by the slog handler
func (g gormStructuredLogger) LogMode(_ logger.LogLevel) logger.Interface {
	return g
}

func (g gormStructuredLogger) Info(ctx context.Context, s string, i ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Warn(ctx context.Context, s string, i ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Error(ctx context.Context, s string, i ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	s, rowsAffected := fc()
	var rows any = rowsAffected
	if rowsAffected == -1 {
		rows = "-"
	}

	switch {
	case g.SlowThreshold != 0 && elapsed > g.SlowThreshold:
		g.logger.WarnContext(
			ctx,
			"slow sql",
			"elapsed", elapsed,
			"threshold", g.SlowThreshold,
			"rows", rows,
			"sql", s,
			tint.Err(err),
		)
	default:
		g.logger.DebugContext(
			ctx,
			"sql completed",
			"elapsed", elapsed,
			"threshold", g.SlowThreshold,
			"rows", rows,
			"sql", s,
			tint.Err(err),
		)
	}
}
