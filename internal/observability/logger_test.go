// internal/observability/logger_test.go
package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/syntrik/mend/internal/config"
)

func TestInitialize_SetsGlobalLogger(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	cfg := config.LoggerConfig{
		Level:       "debug",
		Format:      "json",
		ServiceName: "mend-test",
	}
	Initialize(cfg, zapcore.AddSync(&discardSyncer{}))

	logger := GetLogger()
	require.NotNil(t, logger)

	// A second Initialize must be a no-op (sync.Once).
	Initialize(config.LoggerConfig{Level: "error", ServiceName: "other"}, zapcore.AddSync(&discardSyncer{}))
	assert.Same(t, logger, GetLogger())
}

func TestGetLogger_FallbackBeforeInit(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
	// The fallback must be usable without panicking.
	logger.Info("fallback logger works")
}

func TestInitialize_InvalidLevelDefaultsToInfo(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	cfg := config.LoggerConfig{Level: "not-a-level", Format: "json", ServiceName: "mend-test"}
	Initialize(cfg, zapcore.AddSync(&discardSyncer{}))

	logger := GetLogger()
	require.NotNil(t, logger)
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
}

// discardSyncer is a WriteSyncer that drops everything.
type discardSyncer struct{}

func (d *discardSyncer) Write(p []byte) (int, error) { return len(p), nil }
func (d *discardSyncer) Sync() error                 { return nil }
