package jobstore

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLogger_Fields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZapLogger(zap.New(core))

	l.Warn("failed to obtain db row lock",
		String("lock", "TRIGGER_ACCESS"), Int64("attempt", 2), Error(errors.New("deadlock")))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "TRIGGER_ACCESS", fields["lock"])
	assert.Equal(t, int64(2), fields["attempt"])
	assert.Equal(t, "deadlock", fields["err"])
}

func TestThrottledLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := newThrottledLogger(NewZapLogger(zap.New(core)), time.Hour)

	for i := 0; i < 3; i++ {
		l.Error("misfire handler failed", Error(errors.New("database is locked")))
	}
	l.Info("misfire handler started")

	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
	assert.Equal(t, 2, logs.FilterLevelExact(zapcore.DebugLevel).Len())
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.InfoLevel).Len())
}
