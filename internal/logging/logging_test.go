package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T, cfg Config) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	cfg.Output = &buf
	Init(cfg)
	t.Cleanup(func() {
		Close()
		Init(DefaultConfig())
	})
	return &buf
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   DebugLevel,
		" INFO ":  InfoLevel,
		"warning": WarnLevel,
		"WARN":    WarnLevel,
		"error":   ErrorLevel,
		"fatal":   FatalLevel,
		"verbose": InfoLevel,
		"":        InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestFromSettings(t *testing.T) {
	var buf bytes.Buffer
	cfg := FromSettings("debug", true, &buf)
	assert.Equal(t, DebugLevel, cfg.Level)
	assert.True(t, cfg.Pretty)
	assert.Same(t, &buf, cfg.Output)

	cfg = FromSettings("", false, nil)
	assert.Equal(t, InfoLevel, cfg.Level)
	assert.Equal(t, os.Stderr, cfg.Output)
}

func TestLevelFiltering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = WarnLevel
	buf := capture(t, cfg)

	Debug().Msg("hidden")
	Info().Msg("hidden")
	Warn().Msg("shown")
	Error().Str("session", "s1").Msg("failed")

	got := lines(t, buf)
	require.Len(t, got, 2)
	assert.Equal(t, "warn", got[0]["level"])
	assert.Equal(t, "failed", got[1]["message"])
	assert.Equal(t, "s1", got[1]["session"])
}

func TestComponent(t *testing.T) {
	buf := capture(t, DefaultConfig())

	log := Component("sessionstore")
	log.Info().Int("sessions", 3).Msg("flushed")

	got := lines(t, buf)
	require.Len(t, got, 1)
	assert.Equal(t, "sessionstore", got[0]["component"])
	assert.EqualValues(t, 3, got[0]["sessions"])
	assert.Contains(t, got[0], "time")
}

func TestPrettyOutput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pretty = true
	buf := capture(t, cfg)

	Info().Msg("readable")
	assert.Contains(t, buf.String(), "readable")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestLogToFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	cfg := DefaultConfig()
	cfg.LogToFile = true
	cfg.LogDir = dir
	buf := capture(t, cfg)

	path := GetLogFilePath()
	require.NotEmpty(t, path)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "sessiond-"))

	Info().Msg("to both")
	assert.Contains(t, buf.String(), "to both")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to both")

	Close()
	assert.Empty(t, GetLogFilePath())
}

func TestReinitClosesPreviousFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogToFile = true
	cfg.LogDir = t.TempDir()
	capture(t, cfg)
	first := GetLogFilePath()
	require.NotEmpty(t, first)

	plain := DefaultConfig()
	plain.Output = &bytes.Buffer{}
	Init(plain)
	assert.Empty(t, GetLogFilePath())
}

func TestLogDirUnavailable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	cfg := DefaultConfig()
	cfg.LogToFile = true
	cfg.LogDir = filepath.Join(blocker, "logs")
	buf := capture(t, cfg)

	assert.Empty(t, GetLogFilePath())
	assert.Contains(t, buf.String(), "logging: create log dir")
}
