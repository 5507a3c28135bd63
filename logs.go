package jobstore

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Logger interface {
	Debug(msg string, args ...Field)
	Info(msg string, args ...Field)
	Warn(msg string, args ...Field)
	Error(msg string, args ...Field)
}

type Field struct {
	Key string
	Val any
}

func String(key, val string) Field {
	return Field{Key: key, Val: val}
}

func Int64(key string, val int64) Field {
	return Field{Key: key, Val: val}
}

func Error(err error) Field {
	return Field{Key: "err", Val: err}
}

type ZapLogger struct {
	zap *zap.Logger
}

func NewZapLogger(zap *zap.Logger) Logger {
	return &ZapLogger{zap: zap}
}

func (z *ZapLogger) Debug(msg string, args ...Field) {
	z.zap.Debug(msg, z.toZapFields(args)...)
}

func (z *ZapLogger) Info(msg string, args ...Field) {
	z.zap.Info(msg, z.toZapFields(args)...)
}

func (z *ZapLogger) Warn(msg string, args ...Field) {
	z.zap.Warn(msg, z.toZapFields(args)...)
}

func (z *ZapLogger) Error(msg string, args ...Field) {
	z.zap.Error(msg, z.toZapFields(args)...)
}

func (z *ZapLogger) toZapFields(args []Field) []zap.Field {
	res := make([]zap.Field, 0, len(args))
	for _, arg := range args {
		if err, ok := arg.Val.(error); ok {
			res = append(res, zap.NamedError(arg.Key, err))
			continue
		}
		res = append(res, zap.Any(arg.Key, arg.Val))
	}

	return res
}

// throttledLogger 限制后台循环连续失败时的错误日志频率，被丢弃的日志降级为Debug
type throttledLogger struct {
	Logger
	limiter *rate.Limiter
}

func newThrottledLogger(l Logger, every time.Duration) *throttledLogger {
	return &throttledLogger{
		Logger:  l,
		limiter: rate.NewLimiter(rate.Every(every), 1),
	}
}

func (t *throttledLogger) Error(msg string, args ...Field) {
	if t.limiter.Allow() {
		t.Logger.Error(msg, args...)
		return
	}
	t.Logger.Debug(msg, args...)
}
