package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"trace":   zerolog.TraceLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestJSONOutput(t *testing.T) {
	restoreLevel(t)
	var buf bytes.Buffer
	log := Component(New(&buf, "info", "json"), "scheduler")

	log.Debug().Msg("hidden")
	log.Info().Int("tasks", 2).Msg("started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "started", entry["message"])
	assert.Equal(t, "scheduler", entry["component"])
	assert.EqualValues(t, 2, entry["tasks"])
}

func TestSetLevelAppliesToExistingLoggers(t *testing.T) {
	restoreLevel(t)
	var buf bytes.Buffer
	log := New(&buf, "warn", "json")

	log.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	SetLevel("debug")
	log.Debug().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestConsoleOutput(t *testing.T) {
	restoreLevel(t)
	var buf bytes.Buffer
	log := New(&buf, "info", "console")
	log.Info().Str("cadence", "daily").Msg("cycle complete")
	assert.Contains(t, buf.String(), "cycle complete")
	assert.Contains(t, buf.String(), "daily")
}
