package server

import (
	"github.com/ablqvist/slipway/internal/app"
	"github.com/ablqvist/slipway/internal/logging"
)

// Config is the HTTP layer's configuration.
type Config struct {
	// ListenAddr is the address passed to the http.Server, e.g. ":8080".
	ListenAddr string

	// AppConfig configures the engine the server wraps. Nil gets defaults.
	AppConfig *app.Config

	// Logger overrides the default stdout logger.
	Logger logging.Logger
}
