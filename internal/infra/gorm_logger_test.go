package infra

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormLogger "gorm.io/gorm/logger"

	"startuplab/internal/logger"
)

func newObservedLogger(level gormLogger.LogLevel) (*GormZapLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &GormZapLogger{
		ZapLogger:                 zap.New(core),
		LogLevel:                  level,
		SlowThreshold:             100 * time.Millisecond,
		IgnoreRecordNotFoundError: true,
	}, logs
}

func TestGormZapLogger_Trace(t *testing.T) {
	l, logs := newObservedLogger(gormLogger.Warn)
	ctx := logger.WithTraceID(context.Background(), "t-1")
	fc := func() (string, int64) { return "SELECT 1", 1 }

	// Warn 级别不输出普通 SQL
	l.Trace(ctx, time.Now(), fc, nil)
	assert.Zero(t, logs.Len())

	l.Trace(ctx, time.Now().Add(-time.Second), fc, nil)
	l.Trace(ctx, time.Now(), fc, errors.New("boom"))
	l.Trace(ctx, time.Now(), fc, gormLogger.ErrRecordNotFound)

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "SQL 慢查询", entries[0].Message)
		assert.Equal(t, "SQL 执行错误", entries[1].Message)
		assert.Equal(t, "t-1", entries[1].ContextMap()["trace_id"])
	}
}

func TestGormZapLogger_SilentAndTruncate(t *testing.T) {
	l, logs := newObservedLogger(gormLogger.Info)

	silent := l.LogMode(gormLogger.Silent)
	silent.Trace(context.Background(), time.Now(), func() (string, int64) { return "SELECT 1", 0 }, errors.New("x"))
	assert.Zero(t, logs.Len())

	long := "INSERT " + strings.Repeat("x", 2000)
	l.Trace(context.Background(), time.Now(), func() (string, int64) { return long, 1 }, nil)
	if assert.Equal(t, 1, logs.Len()) {
		sql := logs.All()[0].ContextMap()["sql"].(string)
		assert.Len(t, sql, 515)
	}
}

func TestNewGormLogger(t *testing.T) {
	assert.Equal(t, gormLogger.Info, NewGormLogger("debug").LogLevel)
	assert.Equal(t, gormLogger.Warn, NewGormLogger("release").LogLevel)
}
