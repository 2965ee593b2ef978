package vislocate

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/hupe1980/vislocate/feature"
)

// Logger wraps slog.Logger with localizer-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithView adds a view field to the logger.
func (l *Logger) WithView(id feature.ViewID) *Logger {
	return &Logger{
		Logger: l.Logger.With("view", id),
	}
}

// LogInit logs the outcome of loading a localization database.
func (l *Logger) LogInit(ctx context.Context, views, landmarks int, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "init failed",
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "database loaded",
		"views", views,
		"landmarks", landmarks,
		"duration", d,
	)
}

// LogCandidate logs the correspondences gathered from one retrieved view.
// Use WithView to attach the candidate's id.
func (l *Logger) LogCandidate(ctx context.Context, score float32, matches, accepted int) {
	l.DebugContext(ctx, "candidate matched",
		"score", score,
		"matches", matches,
		"accepted", accepted,
	)
}

// LogLocalize logs a localization attempt.
func (l *Logger) LogLocalize(ctx context.Context, diag *Diagnostics, d time.Duration, err error) {
	if err != nil {
		l.WarnContext(ctx, "localization failed",
			"candidates_tried", diag.CandidatesTried,
			"correspondences", diag.Correspondences,
			"inliers", diag.Inliers,
			"duration", d,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "localization succeeded",
		"candidates_tried", diag.CandidatesTried,
		"correspondences", diag.Correspondences,
		"inliers", diag.Inliers,
		"iterations", diag.Iterations,
		"duration", d,
	)
}
