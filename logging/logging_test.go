package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	level, err = ParseLevel(" warn ")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewFiltersByLevel(t *testing.T) {
	var out bytes.Buffer
	logger := New(slog.LevelInfo, &out)
	logger.Debug("hidden")
	logger.Info("shown", slog.Int("Frame", 3))

	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), "shown")
	assert.Contains(t, out.String(), "Frame=3")
}

func TestOr(t *testing.T) {
	assert.NotNil(t, Or(nil))
	logger := Discard()
	assert.Same(t, logger, Or(logger))
}
