// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global logger.
//
// verbosity follows the -v flag count: 0 warn, 1 info, 2 debug, 3+ trace.
// A non-empty level ("debug", "info", ...) overrides verbosity; it comes from
// PROVISION_LOG_LEVEL or the config file. When json is set, logs are written
// as JSON lines instead of the console format.
func Setup(out io.Writer, verbosity int, level string, json bool) {
	if out == nil {
		out = os.Stderr
	}

	zerolog.SetGlobalLevel(levelFor(verbosity, level))

	var w io.Writer = out
	if !json {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.Kitchen,
		}
	}

	log.Logger = zerolog.New(w).With().Timestamp().Logger()

	if verbosity >= 2 {
		log.Logger = log.Logger.With().Caller().Logger()
	}

	log.Debug().Int("verbosity", verbosity).Str("level", zerolog.GlobalLevel().String()).Msg("Logger initialized")
}

// levelFor resolves the effective level.
func levelFor(verbosity int, level string) zerolog.Level {
	if level != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil && lvl != zerolog.NoLevel {
			return lvl
		}
	}

	switch verbosity {
	case 0:
		return zerolog.WarnLevel
	case 1:
		return zerolog.InfoLevel
	case 2:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

// Component returns a logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// LogCommand logs an external command execution with its arguments.
func LogCommand(logger zerolog.Logger, cmd string, args []string) {
	logger.Debug().
		Str("command", cmd).
		Strs("args", args).
		Msg("Executing command")
}
