package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewParsesLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := newWithWriter(Config{Level: "warn"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, l.GetLevel())

	l.Info().Msg("hidden")
	l.Warn().Str("k", "v").Msg("shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "v", entry["k"])
	assert.Contains(t, entry, "time")
}

func TestNewDefaultsToInfo(t *testing.T) {
	for _, lvl := range []string{"", "loud"} {
		l, err := newWithWriter(Config{Level: lvl}, &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, zerolog.InfoLevel, l.GetLevel(), "level %q", lvl)
	}
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := newWithWriter(Config{Level: "debug"}, &buf)
	require.NoError(t, err)

	c := l.Component("queue")
	c.Debug().Msg("tick")
	assert.Contains(t, buf.String(), `"component":"queue"`)
}

func TestLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "memcp.log")
	l, err := newWithWriter(Config{Level: "info", File: path}, &bytes.Buffer{})
	require.NoError(t, err)

	l.Info().Msg("to file")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}
