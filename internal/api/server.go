package api

import (
	"voiceterm/internal/app"
	"voiceterm/internal/logging"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// NewServer returns an echo instance serving the control API for a.
func NewServer(a *app.App, logger zerolog.Logger) *echo.Echo {
	e := logging.NewEcho(logger.With().Str("component", "api").Logger())
	NewHandler(a).RegisterRoutes(e)
	return e
}
