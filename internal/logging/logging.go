package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New returns a zerolog logger configured for stdout at info level.
func New() zerolog.Logger {
	return NewWithLevel("info")
}

// NewWithLevel returns a stdout logger at the named level. Unknown levels
// fall back to info.
func NewWithLevel(level string) zerolog.Logger {
	return newLogger(os.Stdout, level)
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}
