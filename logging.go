package divvy

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the structured logger used throughout the engine:
// zerolog fields (such as "worker") in place of bracketed component
// tags, at Info level, or Debug when verbose is set.
func NewLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}
