// Package logx provides structured logging functionality
package logx

import (
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger. A scoped Logger resolves the global logger on
// every call, so package-level scopes survive Init.
type Logger struct {
	zap    *zap.Logger
	sugar  *zap.SugaredLogger
	scope  string
	scoped bool
}

var (
	globalLogger atomic.Pointer[Logger]
	globalLevel  = zap.NewAtomicLevelAt(zap.InfoLevel)
)

func init() {
	// 默认 logger：本地开发环境打开 debug
	if IsLocalDev(os.Getenv("APP_ENV")) {
		globalLevel.SetLevel(zap.DebugLevel)
	}
	l, err := build(getLoggerConfig())
	if err != nil {
		panic(err)
	}
	globalLogger.Store(l)
}

// IsLocalDev checks if the environment is local development
func IsLocalDev(appEnv string) bool {
	return appEnv == "local" || appEnv == "dev" || appEnv == "development"
}

func build(config zap.Config) (*Logger, error) {
	config.Level = globalLevel
	zapLogger, err := config.Build(
		zap.AddCallerSkip(1), // 跳过封装层
	)
	if err != nil {
		return nil, err
	}
	return &Logger{zap: zapLogger, sugar: zapLogger.Sugar()}, nil
}

// customTimeEncoder 自定义时间编码器
func customTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

func getLoggerConfig() zap.Config {
	config := zap.NewProductionConfig()
	config.Development = false
	config.DisableStacktrace = true
	config.Sampling = nil

	config.EncoderConfig = zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "scope",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     customTimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	config.Encoding = "console"
	return config
}

// Init configures the global logger. Scopes obtained earlier with GetScope
// pick up the new configuration.
func Init(level, format string) {
	config := getLoggerConfig()

	switch strings.ToLower(format) {
	case "json":
		config.Encoding = "json"
		config.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	default:
		config.Encoding = "console"
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	globalLevel.SetLevel(parseLevel(level))

	l, err := build(config)
	if err != nil {
		panic(err)
	}
	if old := globalLogger.Swap(l); old != nil {
		_ = old.zap.Sync()
	}
}

// SetLevel changes the level of every logger without rebuilding it.
func SetLevel(level string) {
	globalLevel.SetLevel(parseLevel(level))
}

// GetScope returns a logger named after a component, e.g. "db" or "ingest".
func GetScope(name string) *Logger {
	return &Logger{scope: name, scoped: true}
}

// L returns the global sugar logger instance
func L() *zap.SugaredLogger {
	return Global().Sugar()
}

// GetLogger returns the underlying zap logger for advanced usage
func GetLogger() *zap.Logger {
	return Global().Zap()
}

// Global returns the global logger instance
func Global() *Logger {
	return globalLogger.Load()
}

// Named returns a plain zap logger for a scope, for packages that take a
// *zap.Logger instead of a logx.Logger.
func Named(name string) *zap.Logger {
	return GetScope(name).Zap()
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *Logger) base() *zap.Logger {
	if !l.scoped {
		return l.zap
	}
	g := globalLogger.Load()
	if g == nil || g.zap == nil {
		return nil
	}
	return g.zap.Named(l.scope)
}

// Close flushes any buffered log entries
func (l *Logger) Close() error {
	if z := l.base(); z != nil {
		return z.Sync()
	}
	return nil
}

// Sugar returns the sugar logger for key-value style logging
func (l *Logger) Sugar() *zap.SugaredLogger {
	if z := l.base(); z != nil {
		return z.Sugar()
	}
	return zap.NewNop().Sugar()
}

// Zap returns a zap logger with the wrapper's caller skip removed.
func (l *Logger) Zap() *zap.Logger {
	if z := l.base(); z != nil {
		return z.WithOptions(zap.AddCallerSkip(-1))
	}
	return zap.NewNop()
}

func (l *Logger) Debug(msg string, fields ...zap.Field) {
	if z := l.base(); z != nil {
		z.Debug(msg, fields...)
	}
}

func (l *Logger) Info(msg string, fields ...zap.Field) {
	if z := l.base(); z != nil {
		z.Info(msg, fields...)
	}
}

func (l *Logger) Warn(msg string, fields ...zap.Field) {
	if z := l.base(); z != nil {
		z.Warn(msg, fields...)
	}
}

func (l *Logger) Error(msg string, fields ...zap.Field) {
	if z := l.base(); z != nil {
		z.Error(msg, fields...)
	}
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string, fields ...zap.Field) {
	z := l.base()
	if z == nil {
		os.Exit(1)
	}
	z.Fatal(msg, fields...)
}
