// Package logger provides the service's zerolog logger.
package logger

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New returns a JSON logger tagged with the service name. Unknown levels fall
// back to info.
func New(serviceName, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().
		Str("service", serviceName).
		Timestamp().
		Logger()
}
