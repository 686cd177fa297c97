package logging

import "go.uber.org/zap"

// ZapLogger wraps a zap.SugaredLogger behind the Logger interface. This
// is the production constructor; the teacher's bare log.Printf is
// replaced here because a structured logger is the idiomatic default
// once a service leaves a CLI context.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZap builds a production Logger from a zap.Logger.
func NewZap(base *zap.Logger) *ZapLogger {
	return &ZapLogger{sugar: base.Sugar()}
}

func (z *ZapLogger) Debug(msg string, args ...interface{}) { z.sugar.Debugw(msg, args...) }
func (z *ZapLogger) Info(msg string, args ...interface{})  { z.sugar.Infow(msg, args...) }
func (z *ZapLogger) Warn(msg string, args ...interface{})  { z.sugar.Warnw(msg, args...) }
func (z *ZapLogger) Error(msg string, args ...interface{}) { z.sugar.Errorw(msg, args...) }
