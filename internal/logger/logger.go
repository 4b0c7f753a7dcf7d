// Package logger builds the process-wide zerolog logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level and output format
type Config struct {
	Level  string
	Format string // "json" or "console"
}

// New builds the root logger. Components derive their own with
// log.With().Str("component", ...).
func New(cfg Config, out io.Writer) (zerolog.Logger, error) {
	if out == nil {
		out = os.Stderr
	}

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	switch strings.ToLower(cfg.Format) {
	case "", "json":
	case "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q", cfg.Format)
	}

	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "ppewatch").Logger(), nil
}

// GoaAdapter lets the goa request logging middleware write through zerolog
type GoaAdapter struct {
	log zerolog.Logger
}

// NewGoaAdapter wraps log for goa middleware
func NewGoaAdapter(log zerolog.Logger) *GoaAdapter {
	return &GoaAdapter{log: log.With().Str("component", "http").Logger()}
}

// Log implements the goa middleware.Logger interface. keyvals alternate
// between keys and values.
func (a *GoaAdapter) Log(keyvals ...any) error {
	ev := a.log.Info()
	msg := "request"
	for i := 0; i+1 < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		if key == "msg" {
			msg = fmt.Sprint(keyvals[i+1])
			continue
		}
		ev = ev.Interface(key, keyvals[i+1])
	}
	if len(keyvals)%2 == 1 {
		ev = ev.Interface("extra", keyvals[len(keyvals)-1])
	}
	ev.Msg(msg)
	return nil
}
