package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "DEBUG", want: slog.LevelDebug},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "verbose", want: slog.LevelInfo, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewLoggerFansOut(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "pbak.log")
	var console bytes.Buffer

	logger, file, err := NewLogger(logPath, &console, slog.LevelInfo)
	require.NoError(t, err)
	defer file.Close()

	logger.Debug("debug only in file", "k", 1)
	logger.Info("both sinks", "k", 2)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"debug only in file"`)
	assert.Contains(t, string(data), `"msg":"both sinks"`)

	assert.NotContains(t, console.String(), "debug only in file")
	assert.Contains(t, console.String(), "both sinks")
}

func TestNewLoggerConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	logger, file, err := NewLogger("", &console, slog.LevelWarn)
	require.NoError(t, err)
	assert.Nil(t, file)

	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, console.String(), "hidden")
	assert.Contains(t, console.String(), "shown")
}
