package webhook

import (
	"log/slog"

	"github.com/hashicorp/go-retryablehttp"
)

// leveledLogger exposes slog through the retrying HTTP client's logging
// interface so retry chatter lands at the right levels.
type leveledLogger struct {
	log *slog.Logger
}

func newLeveledLogger(log *slog.Logger) retryablehttp.LeveledLogger {
	return leveledLogger{log: log}
}

func (l leveledLogger) Error(msg string, keysAndValues ...any) {
	l.log.Error(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...any) {
	l.log.Warn(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...any) {
	l.log.Info(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}
