// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/uipilot/internal/config"
)

func initWithBuffer(t *testing.T, cfg config.LoggerConfig) *bytes.Buffer {
	t.Helper()
	ResetForTest()
	t.Cleanup(ResetForTest)
	var buf bytes.Buffer
	Initialize(cfg, zapcore.AddSync(&buf))
	return &buf
}

func TestInitialize(t *testing.T) {
	t.Run("console output is colourised and names the component", func(t *testing.T) {
		buf := initWithBuffer(t, config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "uipilot",
			Colors:      config.ColorConfig{Info: "blue"},
		})

		GetLogger().Named("resolver").Info("strategy matched")
		Sync()

		out := buf.String()
		assert.Contains(t, out, colorMap["blue"]+"INFO"+colorReset)
		assert.Contains(t, out, "uipilot.resolver.")
		assert.Contains(t, out, "strategy matched")
	})

	t.Run("unset colours fall back to defaults and none disables them", func(t *testing.T) {
		buf := initWithBuffer(t, config.LoggerConfig{
			Level:  "debug",
			Format: "console",
			Colors: config.ColorConfig{Warn: "none"},
		})

		GetLogger().Error("boom")
		GetLogger().Warn("careful")
		Sync()

		out := buf.String()
		assert.Contains(t, out, colorMap["red"]+"ERROR"+colorReset)
		assert.Contains(t, out, "\tWARN\t")
	})

	t.Run("json output", func(t *testing.T) {
		buf := initWithBuffer(t, config.LoggerConfig{Level: "info", Format: "json", ServiceName: "JSONTest"})

		GetLogger().Warn("download stored", zap.String("path", "/tmp/a.wav"))
		Sync()

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "JSONTest", entry["logger"])
		assert.Equal(t, "download stored", entry["msg"])
		assert.Equal(t, "/tmp/a.wav", entry["path"])
	})

	t.Run("level filters debug", func(t *testing.T) {
		buf := initWithBuffer(t, config.LoggerConfig{Level: "warn", Format: "json"})
		GetLogger().Debug("hidden")
		GetLogger().Info("hidden too")
		Sync()
		assert.Empty(t, buf.String())
	})

	t.Run("writes json to the rotated file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "uipilot.log")
		initWithBuffer(t, config.LoggerConfig{Level: "debug", Format: "console", LogFile: logFile, MaxSize: 1})

		GetLogger().Error("this should go to the file")
		Sync()

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(content), &entry))
		assert.Equal(t, "this should go to the file", entry["msg"])
	})

	t.Run("only the first call counts", func(t *testing.T) {
		buf := initWithBuffer(t, config.LoggerConfig{Level: "info", Format: "json", ServiceName: "First"})
		first := GetLogger()

		var other bytes.Buffer
		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "Second"}, zapcore.AddSync(&other))
		assert.Same(t, first, GetLogger())

		GetLogger().Info("once")
		Sync()
		assert.Contains(t, buf.String(), `"logger":"First"`)
		assert.Empty(t, other.String())
	})
}

func TestGetLogger_FallbackBeforeInitialize(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)
	assert.NotNil(t, GetLogger())
	// Sync without a logger is a no-op.
	Sync()
}
