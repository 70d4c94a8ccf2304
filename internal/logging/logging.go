// Package logging owns the shared logrus logger used by every scankeeper package.
//
// Packages derive their entry once at init:
//
//	var logger *log.Entry = logging.For("engine")
//
// Configure adjusts level and format on the shared logger, so entries created
// before the CLI parses its flags still honor them.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Logger is the process-wide logger. Entries derived from it share its level,
// formatter and output.
var Logger = newLogger()

func newLogger() *log.Logger {
	l := log.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(log.InfoLevel)
	l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return l
}

// Configure sets the level ("debug", "info", "warn", "error") and the format
// ("text" or "json") of the shared logger.
func Configure(level, format string) error {
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	Logger.SetLevel(lvl)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		Logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		Logger.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q (want text or json)", format)
	}
	return nil
}

// SetOutput redirects the shared logger, mainly for tests.
func SetOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// For returns an entry tagged with the package name.
func For(pkg string) *log.Entry {
	return Logger.WithFields(log.Fields{"package": pkg})
}
