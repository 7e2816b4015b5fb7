package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/saiset-co/sai-gate/types"
	"github.com/saiset-co/sai-gate/utils"
)

// ZapLoggerConfig is the `logger.config` block understood by the default
// backend. Format "console" selects a colored development encoder,
// anything else the production JSON encoder. Output "file" requires a
// file path with at least one directory component.
type ZapLoggerConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
	File   string `yaml:"file" json:"file"`
}

func NewDefaultLogger(config *types.LoggerConfig) (types.Logger, error) {
	settings := &ZapLoggerConfig{
		Level:  config.Level,
		Format: "console",
		Output: "stdout",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, settings); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal logger config")
		}
	}

	sink, errSink, err := openSinks(settings)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(newEncoder(settings.Format), sink, parseLogLevel(settings.Level))
	wrapper := NewZapWrapper(zap.New(core, zap.AddCaller(), zap.ErrorOutput(errSink)))

	wrapper.Info("Logger initialized",
		zap.String("level", settings.Level),
		zap.String("format", settings.Format),
		zap.String("output", settings.Output),
	)

	return wrapper, nil
}

func newEncoder(format string) zapcore.Encoder {
	if format == "console" {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeCaller = absoluteCallerEncoder
		return zapcore.NewConsoleEncoder(encoderConfig)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}

func openSinks(settings *ZapLoggerConfig) (zapcore.WriteSyncer, zapcore.WriteSyncer, error) {
	switch settings.Output {
	case "stderr":
		sink := zapcore.Lock(os.Stderr)
		return sink, sink, nil

	case "file":
		if settings.File == "" {
			break
		}
		if err := ensureLogDir(settings.File); err != nil {
			return nil, nil, err
		}
		file, err := os.OpenFile(settings.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, types.WrapError(err, "failed to open log file")
		}
		sink := zapcore.Lock(zapcore.AddSync(file))
		return sink, sink, nil
	}

	return zapcore.Lock(os.Stdout), zapcore.Lock(os.Stderr), nil
}

// absoluteCallerEncoder keeps the full file path so terminal emulators
// and IDEs turn the caller column into a clickable link.
func absoluteCallerEncoder(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(caller.FullPath())
}

var logLevels = map[string]zapcore.Level{
	"debug":   zapcore.DebugLevel,
	"info":    zapcore.InfoLevel,
	"warn":    zapcore.WarnLevel,
	"warning": zapcore.WarnLevel,
	"error":   zapcore.ErrorLevel,
	"fatal":   zapcore.FatalLevel,
}

// parseLogLevel maps a config string to a zap level, defaulting to info
// on anything it does not recognize.
func parseLogLevel(level string) zapcore.Level {
	if parsed, ok := logLevels[strings.ToLower(level)]; ok {
		return parsed
	}
	return zapcore.InfoLevel
}

func ensureLogDir(logFile string) error {
	if logFile == "" {
		return types.ErrLogFileIsEmpty
	}
	if !strings.ContainsRune(logFile, '/') {
		return types.ErrLogFileWrongFormat
	}

	return types.WrapError(os.MkdirAll(filepath.Dir(logFile), 0755), "access denied to log directory")
}

// ZapWrapper adapts a *zap.Logger to types.Logger. The caller-skip
// variant is derived once so the hot logging path avoids a clone per
// entry; two frames are skipped so the caller column points at the
// component that logged, not at this wrapper.
type ZapWrapper struct {
	Logger  *zap.Logger
	skipped *zap.Logger
}

func NewZapWrapper(logger *zap.Logger) types.Logger {
	return &ZapWrapper{
		Logger:  logger,
		skipped: logger.WithOptions(zap.AddCallerSkip(2)),
	}
}

func (z *ZapWrapper) Error(msg string, fields ...zap.Field) { z.skipped.Error(msg, fields...) }
func (z *ZapWrapper) Warn(msg string, fields ...zap.Field)  { z.skipped.Warn(msg, fields...) }
func (z *ZapWrapper) Info(msg string, fields ...zap.Field)  { z.skipped.Info(msg, fields...) }
func (z *ZapWrapper) Debug(msg string, fields ...zap.Field) { z.skipped.Debug(msg, fields...) }

func (z *ZapWrapper) Log(lvl zapcore.Level, msg string, fields ...zap.Field) {
	z.skipped.Log(lvl, msg, fields...)
}

func (z *ZapWrapper) Named(name string) types.Logger {
	return NewZapWrapper(z.Logger.Named(name))
}

// Sync flushes buffered entries. Stdout sinks report EINVAL on some
// platforms, so the result is best effort.
func (z *ZapWrapper) Sync() error { return z.Logger.Sync() }

func (z *ZapWrapper) ErrorWithStack(msg string, stack string, fields ...zap.Field) {
	z.skipped.Error(msg, fields...)
	z.printStack(stack)
}

func (z *ZapWrapper) ErrorWithErrStack(msg string, err error, fields ...zap.Field) {
	if err == nil {
		z.Error(msg, fields...)
		return
	}

	withCause := append([]zap.Field{zap.String("error", errors.Cause(err).Error())}, fields...)
	z.skipped.Error(msg, withCause...)

	if stack := extractStackFromError(err); stack != "" {
		z.printStack(stack)
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// extractStackFromError prefers the cause's trace: a wrapped error's
// innermost stack holds the frame where the failure actually happened.
func extractStackFromError(err error) string {
	if err == nil {
		return ""
	}

	if st, ok := errors.Cause(err).(stackTracer); ok {
		return fmt.Sprintf("%+v", st.StackTrace())
	}
	if st, ok := err.(stackTracer); ok {
		return fmt.Sprintf("%+v", st.StackTrace())
	}

	return fmt.Sprintf("%+v", err)
}

// Frames from the error constructors, the chain fault guards and the
// runtime add nothing when reading a failure; the trace starts at the
// first gate frame instead.
var stackNoise = []string{
	"types.NewError",
	"types.NewErrorf",
	"types.WrapError",
	"types/errors.go:",
	"pipeline/builder.go:",
	"runtime.goexit",
	"asm_amd64.s:",
	"panic",
}

func (z *ZapWrapper) printStack(stack string) {
	fmt.Println("ERROR STACK TRACE")

	for _, line := range strings.Split(stack, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || noisyFrame(line) {
			continue
		}
		if len(line) > 90 {
			line = line[:87] + "..."
		}
		fmt.Println(line)
	}
}

func noisyFrame(line string) bool {
	for _, marker := range stackNoise {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}
