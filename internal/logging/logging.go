// Package logging is a thin slog wrapper matching the
// log.Printf-with-context call sites this project's components use, but on
// log/slog instead of the standard log package: stdlib already has an
// idiomatic structured logger, so there is no third-party logging library
// in the retrieved pack worth reaching for here (see DESIGN.md).
package logging

import (
	"context"
	"log/slog"
	"os"

	"usbtunnel/internal/protocol"
)

// New builds a text-handler logger writing to os.Stderr at the given
// minimum level. role and component are attached to every line so
// device- and guest-side logs stay distinguishable when merged.
func New(level slog.Level, role, component string) *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("role", role, "component", component)
}

// ProtocolBridge adapts a *slog.Logger into the func(protocol.LogLevel,
// string) signature protocol.Parser/engine.Engine want for their own
// internal log lines.
func ProtocolBridge(l *slog.Logger) func(protocol.LogLevel, string) {
	return func(level protocol.LogLevel, msg string) {
		l.Log(context.Background(), translateLevel(level), msg)
	}
}

func translateLevel(level protocol.LogLevel) slog.Level {
	switch level {
	case protocol.LogDebug:
		return slog.LevelDebug
	case protocol.LogInfo:
		return slog.LevelInfo
	case protocol.LogWarn:
		return slog.LevelWarn
	case protocol.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
