package logger

import (
	"testing"

	"github.com/presenq/billing/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewDefaultsToInfo(t *testing.T) {
	log, err := New(config.Config{Environment: "development"})
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestNewHonorsConfiguredLevel(t *testing.T) {
	log, err := New(config.Config{Environment: "production", LogLevel: "debug"})
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestNewRejectsInvalidLevel(t *testing.T) {
	_, err := New(config.Config{LogLevel: "loud"})
	assert.Error(t, err)
}
