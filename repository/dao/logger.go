package dao

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// NewGormLogger 将gorm的SQL日志输出到zap
func NewGormLogger(l *zap.Logger, level glogger.LogLevel, slowThreshold time.Duration) glogger.Interface {
	return &gormLog{
		logger:        l.WithOptions(zap.WithCaller(false)),
		level:         level,
		slowThreshold: slowThreshold,
	}
}

type gormLog struct {
	logger        *zap.Logger
	level         glogger.LogLevel
	slowThreshold time.Duration
}

func (g *gormLog) LogMode(level glogger.LogLevel) glogger.Interface {
	c := *g
	c.level = level
	return &c
}

func (g *gormLog) Info(_ context.Context, msg string, data ...interface{}) {
	if g.level >= glogger.Info {
		g.logger.Sugar().Infof(msg, data...)
	}
}

func (g *gormLog) Warn(_ context.Context, msg string, data ...interface{}) {
	if g.level >= glogger.Warn {
		g.logger.Sugar().Warnf(msg, data...)
	}
}

func (g *gormLog) Error(_ context.Context, msg string, data ...interface{}) {
	if g.level >= glogger.Error {
		g.logger.Sugar().Errorf(msg, data...)
	}
}

func (g *gormLog) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= glogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && g.level >= glogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		g.logger.Error("sql error",
			zap.Error(err),
			zap.String("file", utils.FileWithLineNum()),
			zap.Duration("elapsed", elapsed),
			zap.Int64("rows", rows),
			zap.String("sql", sql))
	case g.slowThreshold != 0 && elapsed > g.slowThreshold && g.level >= glogger.Warn:
		sql, rows := fc()
		g.logger.Warn("slow sql",
			zap.Duration("threshold", g.slowThreshold),
			zap.String("file", utils.FileWithLineNum()),
			zap.Duration("elapsed", elapsed),
			zap.Int64("rows", rows),
			zap.String("sql", sql))
	case g.level == glogger.Info:
		sql, rows := fc()
		g.logger.Debug("sql",
			zap.String("file", utils.FileWithLineNum()),
			zap.Duration("elapsed", elapsed),
			zap.Int64("rows", rows),
			zap.String("sql", sql))
	}
}
