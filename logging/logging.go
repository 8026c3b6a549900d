// Package logging builds the structured loggers handed to every component.
package logging

import (
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// ParseLevel accepts debug, info, warn and error in any case.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return level, errors.Wrapf(err, "parsing log level %q", name)
	}
	return level, nil
}

// New returns a text logger writing records at or above level to w.
func New(level slog.Level, w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func Discard() *slog.Logger {
	return New(slog.LevelError+1, io.Discard)
}

// Or returns logger, or a discarding logger if it is nil.
func Or(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}
