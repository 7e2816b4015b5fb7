package types

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging surface every gate component receives. Named
// derives a sub-logger tagged with the component name so one backend
// serves the whole process.
type Logger interface {
	Error(msg string, fields ...zap.Field)
	ErrorWithStack(msg string, stack string, fields ...zap.Field)
	ErrorWithErrStack(msg string, err error, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Debug(msg string, fields ...zap.Field)
	Log(lvl zapcore.Level, msg string, fields ...zap.Field)
	Named(name string) Logger
}

type LoggerManager interface {
	LifecycleManager
	Logger
}

// LoggerCreator builds a custom logging backend from the raw
// `logger.config` block.
type LoggerCreator func(config interface{}) (Logger, error)
