package eventhandler

import (
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the structured logging sink the loop reports through. It's an
// alias of logiface's generic Logger, instantiated against logiface's own
// Event type so callers can plug in any logiface-compatible backend
// (stumpy, zerolog, logrus, slog) without this package depending on one
// concretely.
type Logger = logiface.Logger[logiface.Event]

// defaultLogger returns a stumpy-backed JSON logger writing to stderr, used
// whenever a Loop is constructed without an explicit WithLogger option.
// stumpy.Event is the concrete type logiface.New is instantiated against;
// Logger() then widens it to the package's generic Logger alias.
func defaultLogger() *Logger {
	return logiface.New[*stumpy.Event](stumpy.WithStumpy()).Logger()
}

// noopLogger returns a Logger with no writer configured, so every Log call
// is a no-op short-circuited by Logger.canWrite.
func noopLogger() *Logger {
	return logiface.New[logiface.Event]().Logger()
}

// logPollError reports a backend PollIO failure, per spec §7's "unrecoverable
// backend error" class: these abort the loop, so the log carries the
// terminating verdict rather than a retry note.
func logPollError(logger *Logger, err error) {
	logger.Crit().Err(err).Log("eventhandler: poll backend failed, terminating loop")
}

// logHandleError reports, at warning level, a per-Handle failure that is not
// posted to the listener as an event: a failed backend registration, OS
// half-close, registry removal, or accept top-up.
func logHandleError(logger *Logger, osID int, kind HandleKind, err error) {
	logger.Warning().
		Int("fd", osID).
		Str("kind", kind.String()).
		Err(err).
		Log("eventhandler: handle reported permanent I/O error")
}

// logPanic reports a recovered panic from a port listener callback or
// registered task, matching the teacher's posture of logging-and-continuing
// rather than crashing the loop.
func logPanic(logger *Logger, recovered any) {
	logger.Err().Interface("recovered", recovered).Log("eventhandler: recovered panic in dispatch")
}
