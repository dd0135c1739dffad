package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	// 测试开发环境日志初始化
	devLogger, err := NewLogger(true)
	require.NoError(t, err, "开发环境日志初始化应成功")
	require.NotNil(t, devLogger, "开发环境日志不应为nil")

	// 测试生产环境日志初始化
	prodLogger, err := NewLogger(false)
	require.NoError(t, err, "生产环境日志初始化应成功")
	require.NotNil(t, prodLogger, "生产环境日志不应为nil")

	testLoggerMethods(t, devLogger)
	testLoggerMethods(t, prodLogger)
	testLoggerMethods(t, NewNopLogger())
}

func TestNewLoggerWithLevel(t *testing.T) {
	logger, err := NewLoggerWithLevel(false, "warn")
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = NewLoggerWithLevel(false, "verbose")
	assert.Error(t, err, "无效的日志级别应返回错误")
}

func TestLoggerWith(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewLoggerFromZap(zap.New(core)).With(zap.String("component", "registry"))

	logger.Info("服务注册成功", zap.String("service_id", "svc-a"))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "服务注册成功", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "registry", fields["component"])
	assert.Equal(t, "svc-a", fields["service_id"])
}

func testLoggerMethods(t *testing.T, logger Logger) {
	t.Helper()

	// 确保所有日志方法都不会抛出异常
	assert.NotPanics(t, func() {
		logger.Debug("测试Debug日志", zap.String("key", "value"))
		logger.Info("测试Info日志", zap.String("key", "value"))
		logger.Warn("测试Warn日志", zap.String("key", "value"))
		logger.Error("测试Error日志", zap.String("key", "value"))
		// 不测试Fatal，它会调用os.Exit
	}, "日志方法不应panic")
}
