// Package corelog wires the engine's structured logging: logiface as the
// facade, zerolog as the backend.
package corelog

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	izerolog "github.com/joeycumines/izerolog"
	"github.com/rs/zerolog"
)

// Event is the concrete event type threaded through every component.
type Event = izerolog.Event

// Logger is the facade type every component depends on.
type Logger = logiface.Logger[*Event]

// New builds a Logger writing JSON lines to w at the given level.
func New(w io.Writer, level logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	z := zerolog.New(w).With().Timestamp().Logger()
	return izerolog.L.New(
		izerolog.L.WithZerolog(z),
		logiface.WithLevel[*Event](level),
	)
}

// Discard is a Logger that drops everything, useful as a zero-value-safe
// default in tests and library entry points that don't want to mandate a
// logger.
func Discard() *Logger {
	return New(io.Discard, logiface.LevelDisabled)
}
