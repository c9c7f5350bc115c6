// Package logger provides the tagged console logger used throughout the
// daily core. Call sites use a two-argument (tag, message) shape; the
// underlying engine is github.com/phuslu/log, which gives leveled,
// allocation-light structured output without pulling in a full logging
// framework.
package logger

import (
	"fmt"
	"os"
	"sync/atomic"

	plog "github.com/phuslu/log"
)

var base = plog.Logger{
	Level:  plog.InfoLevel,
	Writer: &plog.ConsoleWriter{Writer: os.Stdout, ColorOutput: true},
}

// ready is set once Init has run. orchestrator.Run checks it at its start
// and calls Init at info level if nothing has yet — a memory fence after
// logger initialization, expressed with a plain atomic flag.
var ready atomic.Bool

// Init configures the logger's minimum level. Safe to call once at
// process start; main calls it before constructing any pipeline
// component.
func Init(level string) {
	switch level {
	case "debug":
		base.Level = plog.DebugLevel
	case "warn":
		base.Level = plog.WarnLevel
	case "error":
		base.Level = plog.ErrorLevel
	default:
		base.Level = plog.InfoLevel
	}
	ready.Store(true)
}

// Ready reports whether Init has completed. Components that are
// constructed concurrently with startup (none are, today — the pipeline
// is single-threaded, but registry/market-data lazy loaders use
// singleflight) can assert on this before logging.
func Ready() bool { return ready.Load() }

func field(tag, msg string) (string, string) { return tag, msg }

// Info logs an informational message under tag.
func Info(tag, msg string, args ...any) {
	t, m := field(tag, fmt.Sprintf(msg, args...))
	base.Info().Str("tag", t).Msg(m)
}

// Success logs a successful-step message under tag.
func Success(tag, msg string, args ...any) {
	t, m := field(tag, fmt.Sprintf(msg, args...))
	base.Info().Str("tag", t).Str("status", "ok").Msg(m)
}

// Warn logs a recoverable-condition message under tag (missing T-2 on
// a weekend, an unregistered symbol, etc.).
func Warn(tag, msg string, args ...any) {
	t, m := field(tag, fmt.Sprintf(msg, args...))
	base.Warn().Str("tag", t).Msg(m)
}

// Error logs a non-recoverable condition under tag, just before the
// orchestrator aborts the run.
func Error(tag, msg string, args ...any) {
	t, m := field(tag, fmt.Sprintf(msg, args...))
	base.Error().Str("tag", t).Msg(m)
}

// Section prints a visual section break for a daily run's stdout log.
func Section(title string) {
	base.Info().Msg("── " + title + " ──")
}

// Stats logs a single key/value pair, used for end-of-run summaries
// (gross notional, leverage, equity, etc.).
func Stats(key string, value any) {
	base.Info().Str("stat", key).Interface("value", value).Msg("")
}

// Banner prints the startup banner with the build version.
func Banner(version string) {
	if version == "" {
		version = "dev"
	}
	fmt.Fprintf(os.Stdout, "tradecore %s — daily futures portfolio core\n", version)
}

// Server announces the run's target date, a single-line log helper in
// the same style as a server's "listening on" line.
func Server(target string) {
	base.Info().Str("tag", "RUN").Msg("target date " + target)
}
