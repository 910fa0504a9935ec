// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/hypeauto/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// -- Test Helper Functions --

// syncBuffer is a goroutine-safe bytes.Buffer usable as a zap WriteSyncer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) Sync() error { return nil }

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *syncBuffer) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

// -- Test Cases --

func TestInitialize(t *testing.T) {
	t.Cleanup(ResetForTest)

	t.Run("should initialize console logger with colors", func(t *testing.T) {
		ResetForTest()
		out := &syncBuffer{}

		Initialize(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "TestService",
			Colors:      config.ColorConfig{Info: "blue"},
		}, out)
		GetLogger().Info("This is a test message.")

		output := out.String()
		assert.Contains(t, output, "INFO")
		assert.Contains(t, output, "This is a test message.")
		assert.Contains(t, output, colorBlue, "configured color should win")
		assert.Contains(t, output, "TestService.")
	})

	t.Run("should fall back to default colors", func(t *testing.T) {
		ResetForTest()
		out := &syncBuffer{}

		Initialize(config.LoggerConfig{Level: "debug", Format: "console"}, out)
		GetLogger().Warn("careful")

		assert.Contains(t, out.String(), colorYellow)
	})

	t.Run("should initialize json logger", func(t *testing.T) {
		ResetForTest()
		out := &syncBuffer{}

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "JSONTest"}, out)
		GetLogger().Warn("This is a JSON message.", zap.String("key", "value"))

		var logEntry map[string]interface{}
		require.NoError(t, json.Unmarshal(out.Bytes(), &logEntry), "Log output should be valid JSON")
		assert.Equal(t, "WARN", logEntry["level"])
		assert.Equal(t, "JSONTest", logEntry["logger"])
		assert.Equal(t, "This is a JSON message.", logEntry["msg"])
		assert.Equal(t, "value", logEntry["key"])
	})

	t.Run("should respect the configured level", func(t *testing.T) {
		ResetForTest()
		out := &syncBuffer{}

		Initialize(config.LoggerConfig{Level: "warn", Format: "json"}, out)
		GetLogger().Info("dropped")
		GetLogger().Error("kept")

		assert.NotContains(t, out.String(), "dropped")
		assert.Contains(t, out.String(), "kept")
	})

	t.Run("should write to a log file if configured", func(t *testing.T) {
		ResetForTest()
		logFile := filepath.Join(t.TempDir(), "hypeauto.log")

		Initialize(config.LoggerConfig{
			Level:   "debug",
			Format:  "console",
			LogFile: logFile,
			MaxSize: 1,
		}, zapcore.AddSync(&syncBuffer{}))
		GetLogger().Error("This should go to the file.")
		Sync()

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "This should go to the file.")
		assert.True(t, strings.HasPrefix(strings.TrimSpace(string(content)), "{"), "file output is always JSON")
	})

	t.Run("should only initialize once", func(t *testing.T) {
		ResetForTest()
		out := &syncBuffer{}

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "First"}, out)
		logger1 := GetLogger()
		Initialize(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "Second"}, out)
		logger2 := GetLogger()

		assert.Same(t, logger1, logger2)
		logger2.Info("test")
		assert.Contains(t, out.String(), "First")
		assert.NotContains(t, out.String(), "Second")
	})
}

func TestGetLogger(t *testing.T) {
	t.Cleanup(ResetForTest)

	t.Run("should return a fallback logger if not initialized", func(t *testing.T) {
		ResetForTest()
		require.NotNil(t, GetLogger())
	})

	t.Run("should return the global logger after initialization", func(t *testing.T) {
		ResetForTest()
		Initialize(config.LoggerConfig{Level: "info", ServiceName: "GlobalTest"}, &syncBuffer{})
		assert.Same(t, globalLogger.Load(), GetLogger())
	})
}

func TestMaskPIN(t *testing.T) {
	testCases := []struct {
		name string
		pin  string
		want string
	}{
		{"long pin keeps eight characters", "ABCD1234EFGH5678", "ABCD1234..."},
		{"uuid pin", "0271ef36-9c1d-4c7e-a8a4-6b1f2d3e4f50", "0271ef36..."},
		{"exactly eight shows half", "ABCD1234", "ABCD..."},
		{"odd length rounds down", "ABC12", "AB..."},
		{"short pin", "AB12", "AB..."},
		{"single character", "A", "..."},
		{"empty", "", "..."},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MaskPIN(tc.pin))
		})
	}

	for _, pin := range []string{"A", "AB", "ABCDEFG", "ABCD1234", "ABCD1234E"} {
		visible := []rune(PINPrefix(pin))
		assert.LessOrEqual(t, 2*len(visible), len([]rune(pin)), "at least half of %q stays hidden", pin)
	}

	field := PIN("ABCD1234EFGH5678")
	assert.Equal(t, "pin", field.Key)
	assert.Equal(t, "ABCD1234...", field.String)
}
