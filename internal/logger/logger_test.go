package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/smart-kiosk/internal/config"
	"go.uber.org/zap/zapcore"
)

func TestInitStdoutOnly(t *testing.T) {
	err := Init(&config.LogConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	})
	require.NoError(t, err)
	assert.NotNil(t, GetLogger())
	assert.NotNil(t, GetModuleLogger("serial"))
}

func TestSetLevelAdjustsRunningLevel(t *testing.T) {
	SetLevel("debug")
	assert.Equal(t, zapcore.DebugLevel, atomicLevel.Level())

	SetLevel("warn")
	assert.Equal(t, zapcore.WarnLevel, atomicLevel.Level())

	// 非法级别回落到info
	SetLevel("bogus")
	assert.Equal(t, zapcore.InfoLevel, atomicLevel.Level())
}
