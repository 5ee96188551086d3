package observability

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const EnvLogLevel = "WAGATE_LOG_LEVEL"

// InitLogger installs the process-wide logger. level may be overridden by
// WAGATE_LOG_LEVEL.
func InitLogger(app, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).
		With().
		Timestamp().
		Str("app", app).
		Logger().
		Level(parseLevel(level))
	log.Logger = logger
	return logger
}

func parseLevel(level string) zerolog.Level {
	if env := os.Getenv(EnvLogLevel); env != "" {
		level = env
	}
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
