package comm

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a console logger; rank contexts add their own "rank"
// field on top of it.
func NewLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).Level(level).With().Timestamp().Str("app", "meshdist").Logger()
}
