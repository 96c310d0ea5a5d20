package observability

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger installs a console logger tagged with app and host as the global logger.
func InitLogger(app, host string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	ctx := zerolog.New(output).With().Timestamp().Str("app", app)
	if host != "" {
		ctx = ctx.Str("host", host)
	}
	logger := ctx.Logger()
	log.Logger = logger
	return logger
}
