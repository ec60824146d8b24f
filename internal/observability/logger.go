package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/framelink/internal/logging"
)

// InitLogger configures the runtime profile and tags the process logger
// with the app and peer role. Component loggers taken afterwards inherit
// both fields.
func InitLogger(app, role string) zerolog.Logger {
	logging.ConfigureRuntime()
	log.Logger = log.Logger.With().Str("app", app).Str("role", role).Logger()
	return log.Logger
}
