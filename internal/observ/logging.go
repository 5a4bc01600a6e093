package observ

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

func init() {
	zerolog.TimeFieldFormat = "2006-01-02T15:04:05.999999999Z07:00"
	zerolog.TimestampFieldName = "ts"
}

// Log emits one structured JSON event line to stdout.
func Log(event string, kv map[string]any) {
	e := logger.Info()
	for k, v := range kv {
		e = e.Interface(k, v)
	}
	e.Str("event", event).Send()
}

// LogError is Log at error level with the error attached.
func LogError(event string, err error, kv map[string]any) {
	e := logger.Error().Err(err)
	for k, v := range kv {
		e = e.Interface(k, v)
	}
	e.Str("event", event).Send()
}

// SetOutput redirects log output, used by tests to capture events.
func SetOutput(w io.Writer) {
	logger = logger.Output(w)
}
