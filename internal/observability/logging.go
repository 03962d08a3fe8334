package observability

import (
	"log/slog"
	"os"
)

// NewLogger returns a JSON logger with a component field attached.
func NewLogger(component string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

func WithBuild(logger *slog.Logger, buildID int) *slog.Logger {
	if logger == nil || buildID <= 0 {
		return logger
	}
	return logger.With("build_id", buildID)
}

func WithCommit(logger *slog.Logger, commit string) *slog.Logger {
	if logger == nil || commit == "" {
		return logger
	}
	return logger.With("commit", commit)
}

func WithRepo(logger *slog.Logger, repo string) *slog.Logger {
	if logger == nil || repo == "" {
		return logger
	}
	return logger.With("repo", repo)
}
