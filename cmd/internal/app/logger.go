package app

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

// NewLogger creates the process logger and installs it as the slog default.
//
// Format "json" writes one JSON object per line. "text" writes tint console
// lines, colored only when out is a terminal. "auto" picks text for a terminal
// and JSON otherwise.
func NewLogger(level, format string, out *os.File) *slog.Logger {
	if out == nil {
		out = os.Stdout
	}
	tty := isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())

	log := slog.New(newLogHandler(out, parseLogLevel(level), format, tty))
	slog.SetDefault(log)
	return log
}

func newLogHandler(w io.Writer, lvl slog.Level, format string, tty bool) slog.Handler {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl, AddSource: true})
	case "text":
	default:
		if !tty {
			return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl, AddSource: true})
		}
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      lvl,
		TimeFormat: time.StampMilli,
		NoColor:    !tty,
	})
}

// parseLogLevel accepts slog level names (case-insensitive) plus "warning".
// Anything else yields Info.
func parseLogLevel(s string) slog.Level {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
