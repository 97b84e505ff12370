package logging

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))
}

func TestNewLoggerWithConfig_ConsoleHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithConfig(LogConfig{Level: "warn", Console: true, Output: &buf})

	logger.Info().Msg("quiet")
	logger.Warn().Msg("stream dropped")

	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "stream dropped")
}

func TestNewLoggerWithConfig_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "connector.log")
	logger := NewLoggerWithConfig(LogConfig{Level: "debug", File: true, FilePath: path, MaxSize: 1})

	LogAPICall(logger, "place_order", "scope-1", time.Millisecond, errors.New("reset"))
	require.FileExists(t, path)
}

func TestLogAPICall_IsDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)

	LogAPICall(logger, "ping", "scope-1", time.Millisecond, nil)
	assert.Empty(t, buf.String())

	LogAPICall(logger.Level(zerolog.DebugLevel), "ping", "scope-1", time.Millisecond, nil)
	assert.Contains(t, buf.String(), `"op":"ping"`)
}

func TestLogAPICall_RedactsCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	LogAPICall(logger, "login_start", "scope-1", time.Millisecond,
		errors.New(`Get "https://kite.zerodha.com/connect/login?api_key=abcd1234wxyz&v=3": EOF`))
	assert.Contains(t, buf.String(), "api_key=********wxyz")
	assert.NotContains(t, buf.String(), "abcd1234")
}
