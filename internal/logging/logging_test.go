package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringToLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"DEBUG", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"ERROR", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := StringToLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetup(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	t.Run("json to stderr", func(t *testing.T) {
		var buf bytes.Buffer
		logger, closer, err := setup(Config{Level: "warn", Format: "json"}, &buf)
		require.NoError(t, err)
		defer closer.Close()

		logger.Info("hidden")
		logger.Warn("shown", "key", "value")

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 1)
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
		assert.Equal(t, "shown", rec["msg"])
		assert.Equal(t, "value", rec["key"])
		assert.Same(t, logger, slog.Default())
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "queue.log")
		logger, closer, err := Setup(Config{Level: "info", File: path})
		require.NoError(t, err)

		logger.Info("written to file")
		require.NoError(t, closer.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "written to file")

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	})

	t.Run("invalid", func(t *testing.T) {
		_, _, err := setup(Config{Level: "loud"}, &bytes.Buffer{})
		assert.Error(t, err)
		_, _, err = setup(Config{Format: "xml"}, &bytes.Buffer{})
		assert.Error(t, err)
	})
}

func TestSetLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger, _, err := setup(Config{Level: "info", Format: "text"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, "info", LevelToString(Level()))

	logger.Debug("before")
	SetLevel(slog.LevelDebug)
	logger.Debug("after")
	assert.Equal(t, "debug", LevelToString(Level()))

	assert.NotContains(t, buf.String(), "before")
	assert.Contains(t, buf.String(), "after")
	assert.Equal(t, "warn", LevelToString(slog.LevelWarn))
	assert.Equal(t, "error", LevelToString(slog.LevelError+4))
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "line one line two", Sanitize("line one\nline two"))
	assert.Equal(t, "550  injected=1", Sanitize("550\r\ninjected=1"))
	assert.Equal(t, "a\tb", Sanitize("a\tb\x00\x1b"))
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger, _, err := setup(Config{Format: "text"}, &buf)
	require.NoError(t, err)

	logger.Info("cache connected", "password", "hunter2", "reply", "250 ok\nfake=entry")
	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "***REDACTED***")
	assert.NotContains(t, out, "\nfake=entry")
}

func TestMessageLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ml := NewMessageLogger(logger)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ml.now = func() time.Time { return now }

	ctx := MessageContext{
		EnvelopeID:    "env-1",
		StateID:       "state-1",
		Domain:        "dest.example",
		From:          "sender@origin.example",
		To:            []string{"a@dest.example"},
		Attempts:      2,
		ReceptionTime: now.Add(-time.Minute),
		NextRetry:     now.Add(2 * time.Minute),
		Code:          451,
		Error:         "try again\r\nlater",
	}

	records := func() []map[string]any {
		var out []map[string]any
		for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
			var rec map[string]any
			require.NoError(t, json.Unmarshal([]byte(line), &rec))
			out = append(out, rec)
		}
		buf.Reset()
		return out
	}

	t.Run("deferral", func(t *testing.T) {
		ml.LogDeferral(ctx)
		recs := records()
		require.Len(t, recs, 1)
		rec := recs[0]
		assert.Equal(t, "message_deferral", rec["msg"])
		assert.Equal(t, "deferral", rec["event_type"])
		assert.Equal(t, "message-lifecycle", rec["component"])
		assert.Equal(t, "env-1", rec["envelope_id"])
		assert.Equal(t, "dest.example", rec["domain"])
		assert.EqualValues(t, 120, rec["next_retry_in_seconds"])
		assert.EqualValues(t, 60000, rec["total_delay_ms"])
		assert.Equal(t, "try again  later", rec["error"])
	})

	t.Run("events", func(t *testing.T) {
		ml.LogQueued(ctx)
		ml.LogAttempt(ctx)
		ml.LogDelivery(ctx)
		ml.LogBounce(ctx)
		ml.LogDSN(ctx, "dsn-1", "failed")
		ml.LogPersistenceFault(ctx, "persist_state")

		var types []string
		for _, rec := range records() {
			types = append(types, rec["event_type"].(string))
		}
		assert.Equal(t, []string{"queued", "attempt", "delivery", "bounce", "dsn", "persistence_fault"}, types)
	})
}
