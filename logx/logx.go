// Package logx provides the runtime's diagnostic sink: a small leveled
// facade in front of zerolog, scoped to the events the fiber runtime
// itself needs to emit (invariant violations, fiber exceptions, poller
// failures). It is not a general-purpose structured logging library.
package logx

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Level mirrors the subset of syslog-style severities spec.md §6 requires:
// DEBUG, INFO, WARN, ERROR, FATAL.
type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.NoLevel
	}
}

// global holds the process-wide sink, swappable via SetOutput for tests.
var global atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).With().Timestamp().Logger()
	global.Store(&l)
}

// SetOutput redirects the sink, e.g. to a test buffer or io.Discard.
func SetOutput(w io.Writer) {
	l := zerolog.New(w).With().Timestamp().Logger()
	global.Store(&l)
}

func logger() *zerolog.Logger {
	return global.Load()
}

// Debugf logs at DEBUG.
func Debugf(format string, args ...any) { logger().Debug().Msgf(format, args...) }

// Infof logs at INFO.
func Infof(format string, args ...any) { logger().Info().Msgf(format, args...) }

// Warnf logs at WARN.
func Warnf(format string, args ...any) { logger().Warn().Msgf(format, args...) }

// Errorf logs at ERROR.
func Errorf(format string, args ...any) { logger().Error().Msgf(format, args...) }

// InvariantViolation is the panic value Fatalf raises. It is a distinct
// type (not a bare string) precisely so a recover() meant to catch a
// fiber body's own failure — fiber.run's EXCEPT trampoline — can tell an
// invariant violation apart from an ordinary panic and re-raise it rather
// than downgrade it to EXCEPT, keeping spec.md §7's fatal/non-fatal split
// intact across a recover boundary.
type InvariantViolation struct {
	Msg string
}

func (e InvariantViolation) Error() string { return e.Msg }

// Fatalf logs at ERROR with the calling goroutine's stack attached (via
// runtime/debug.Stack, not zerolog's Stack()/pkgerrors machinery — this
// module never registers a zerolog.ErrorStackMarshaler, so Stack() alone
// would silently do nothing), then panics with an InvariantViolation.
// This is the sink for spec.md §7's "invariant violation" taxonomy:
// logged with backtrace, process aborted. Callers that want the process
// to actually exit rather than merely panic should let the panic
// propagate unrecovered — every package in this module is careful not to
// swallow an InvariantViolation with a blanket recover.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logger().Error().Bytes("stack", debug.Stack()).Msg(msg)
	panic(InvariantViolation{Msg: msg})
}
