package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":      zerolog.InfoLevel,
		"info":  zerolog.InfoLevel,
		"DEBUG": zerolog.DebugLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("warn", FormatJSON, &buf)
	require.NoError(t, err)
	logger.Info().Msg("hidden")
	logger.Warn().Int("step", 3).Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"step":3`)
	assert.Contains(t, out, `"message":"shown"`)
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("info", FormatConsole, &buf)
	require.NoError(t, err)
	logger.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")

	_, err = New("info", "xml", &buf)
	require.Error(t, err)
}
