package logging

import (
	"encoding/hex"
	"io"
	"log/slog"
	"strings"

	"github.com/zeebo/blake3"
)

type Config struct {
	Level  string
	Format string
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the process logger. Format is "json" or "text"; anything else
// falls back to text, which reads better on a terminal.
func New(w io.Writer, conf Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(conf.Level)}

	var handler slog.Handler
	switch strings.ToLower(conf.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Discard returns l, or a logger that drops everything when l is nil.
func Discard(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Fingerprint identifies a secret in logs without revealing it.
func Fingerprint(secret string) string {
	if secret == "" {
		return "none"
	}
	sum := blake3.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:8])
}
