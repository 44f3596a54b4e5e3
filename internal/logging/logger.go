// Package logging builds the console logger the bot narrates progress on.
package logging

import (
	"io"
	"time"

	"github.com/charmbracelet/log"
)

// Verbosity selects how much reaches the console.
type Verbosity int

const (
	Silent  Verbosity = iota // nothing, not even errors
	Quiet                    // warnings and errors only
	Normal                   // progress reports
	Verbose                  // per-item detail
)

// FromFlags maps the command-line switches to a Verbosity. Silent implies
// quiet; verbose loses to both.
func FromFlags(quiet, silent, verbose bool) Verbosity {
	switch {
	case silent:
		return Silent
	case quiet:
		return Quiet
	case verbose:
		return Verbose
	default:
		return Normal
	}
}

// New creates a console logger writing to w at the given verbosity.
func New(w io.Writer, v Verbosity) *log.Logger {
	if v == Silent {
		w = io.Discard
	}
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Level:           level(v),
		Prefix:          "taghelper",
	})
}

func level(v Verbosity) log.Level {
	switch v {
	case Silent:
		return log.FatalLevel
	case Quiet:
		return log.WarnLevel
	case Verbose:
		return log.DebugLevel
	default:
		return log.InfoLevel
	}
}
