package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestProductionConfigUsesCloudLoggingKeys(t *testing.T) {
	t.Parallel()

	cfg := config(false)
	require.Equal(t, "json", cfg.Encoding)
	require.Equal(t, "severity", cfg.EncoderConfig.LevelKey)
	require.Equal(t, "ts", cfg.EncoderConfig.TimeKey)
	require.False(t, cfg.Level.Enabled(zapcore.DebugLevel))
}

func TestDevelopmentConfigLogsDebug(t *testing.T) {
	t.Parallel()

	cfg := config(true)
	require.Equal(t, "console", cfg.Encoding)
	require.True(t, cfg.Level.Enabled(zapcore.DebugLevel))
}

func TestNewAttachesService(t *testing.T) {
	t.Parallel()

	for _, development := range []bool{true, false} {
		logger, err := New(development, "sitecorpus")
		require.NoError(t, err)
		require.NotNil(t, logger)
		logger.Info("logger ready")
		_ = logger.Sync()
	}
}
