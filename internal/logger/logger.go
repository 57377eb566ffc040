package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Global logger instance
var (
	Log zerolog.Logger
)

// Initialize sets up the global logger with configuration
func Initialize(level string, pretty bool) {
	// Parse log level
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	// Configure output format
	if pretty {
		// Pretty console output for development
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		// JSON output for production
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	// Set global logger
	Log = log.With().
		Str("service", "signond").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("Logger initialized")
}

// GetLogger returns the global logger instance
func GetLogger() *zerolog.Logger {
	return &Log
}

// Security creates a logger for ACL/owner decisions
func Security() *zerolog.Logger {
	l := Log.With().Str("component", "security").Logger()
	return &l
}

// Volume creates a logger for CryptoVolume mount/unmount events
func Volume() *zerolog.Logger {
	l := Log.With().Str("component", "cryptovolume").Logger()
	return &l
}

// Database creates a logger for CredentialsDB events
func Database() *zerolog.Logger {
	l := Log.With().Str("component", "credentialsdb").Logger()
	return &l
}

// Plugin creates a logger for PluginProxy child-process events
func Plugin() *zerolog.Logger {
	l := Log.With().Str("component", "pluginproxy").Logger()
	return &l
}

// Session creates a logger for SessionCore/SessionHandle events
func Session() *zerolog.Logger {
	l := Log.With().Str("component", "sessioncore").Logger()
	return &l
}

// Identity creates a logger for Identity state-machine events
func Identity() *zerolog.Logger {
	l := Log.With().Str("component", "identity").Logger()
	return &l
}

// Daemon creates a logger for daemon registry/GC events
func Daemon() *zerolog.Logger {
	l := Log.With().Str("component", "daemon").Logger()
	return &l
}

// UI creates a logger for UIClient dialog calls
func UI() *zerolog.Logger {
	l := Log.With().Str("component", "uiclient").Logger()
	return &l
}

// HTTP creates a logger for the client-transport HTTP server
func HTTP() *zerolog.Logger {
	l := Log.With().Str("component", "transport").Logger()
	return &l
}
