// Package logging configures log/slog for the queue and provides the message
// lifecycle event log.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// Config selects the handler, level and destination of the process logger.
type Config struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// DefaultConfig logs text at info level to stderr.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "text"}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup builds a logger from cfg and installs it as the slog default. The
// returned closer releases the log file, if any.
func Setup(cfg Config) (*slog.Logger, io.Closer, error) {
	return setup(cfg, os.Stderr)
}

func setup(cfg Config, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := StringToLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	out := stderr
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out, closer = f, f
	}

	levelVar.Set(level)
	opts := &slog.HandlerOptions{Level: &levelVar, ReplaceAttr: redactAttr}
	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		h = slog.NewTextHandler(out, opts)
	case "json":
		h = slog.NewJSONHandler(out, opts)
	default:
		closer.Close()
		return nil, nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger, closer, nil
}

// levelVar is the level of the logger built by Setup. It can be changed
// while the process runs.
var levelVar slog.LevelVar

// Level returns the current level of the Setup logger.
func Level() slog.Level {
	return levelVar.Level()
}

// SetLevel changes the level of the Setup logger.
func SetLevel(l slog.Level) {
	levelVar.Set(l)
}

// LevelToString returns the configuration name of a level.
func LevelToString(l slog.Level) string {
	switch {
	case l <= slog.LevelDebug:
		return "debug"
	case l <= slog.LevelInfo:
		return "info"
	case l <= slog.LevelWarn:
		return "warn"
	default:
		return "error"
	}
}

// StringToLevel converts a level name to slog.Level. An empty name is info.
func StringToLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level: " + levelStr)
	}
}

// Sanitize normalizes a value to a single line and removes control
// characters that could be used for log injection.
func Sanitize(msg string) string {
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")

	var b strings.Builder
	for _, r := range msg {
		if r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var sensitiveFieldKeys = []string{
	"password",
	"pass",
	"token",
	"secret",
	"authorization",
}

// redactAttr hides values of sensitive keys and sanitizes string values.
func redactAttr(groups []string, a slog.Attr) slog.Attr {
	keyLower := strings.ToLower(a.Key)
	for _, sk := range sensitiveFieldKeys {
		if strings.Contains(keyLower, sk) {
			return slog.String(a.Key, "***REDACTED***")
		}
	}
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, Sanitize(a.Value.String()))
	}
	return a
}
