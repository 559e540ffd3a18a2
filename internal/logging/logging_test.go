package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSONLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	component := Component(logger, "capture")
	component.Warn().Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "capture", line["component"])
	assert.Equal(t, "warn", line["level"])
}

func TestNewLoggerDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "bogus"}, &buf)

	logger.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())
	logger.Info().Msg("shown")
	assert.NotZero(t, buf.Len())
}
