package util

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger
	once         sync.Once
)

var logLevels = map[string]zapcore.Level{
	"debug":   zapcore.DebugLevel,
	"info":    zapcore.InfoLevel,
	"warn":    zapcore.WarnLevel,
	"warning": zapcore.WarnLevel,
	"error":   zapcore.ErrorLevel,
	"fatal":   zapcore.FatalLevel,
	"panic":   zapcore.PanicLevel,
}

// Init builds the process-wide logger. Production gets sampled JSON
// with ISO timestamps; development gets colored console output.
func Init(environment, level, format string) *zap.Logger {
	once.Do(func() {
		var config zap.Config
		if environment == "production" {
			config = zap.NewProductionConfig()
			config.EncoderConfig.TimeKey = "timestamp"
			config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
			config.DisableStacktrace = true
			config.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
		} else {
			config = zap.NewDevelopmentConfig()
			config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}

		if lvl, ok := logLevels[level]; ok {
			config.Level = zap.NewAtomicLevelAt(lvl)
		} else {
			config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		}
		if format == "json" {
			config.Encoding = "json"
		} else {
			config.Encoding = "console"
		}

		// Container runtimes collect from stdout/stderr.
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}

		var err error
		globalLogger, err = config.Build(zap.AddCaller(), zap.AddCallerSkip(1))
		if err != nil {
			panic("failed to initialize logger: " + err.Error())
		}
		zap.ReplaceGlobals(globalLogger)
	})
	return globalLogger
}

// Get returns the global logger, initializing a production logger if
// Init was never called.
func Get() *zap.Logger {
	if globalLogger == nil {
		return Init("production", "info", "json")
	}
	return globalLogger
}

// Sync flushes buffered entries.
func Sync() {
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
}

// Leveled convenience wrappers.

func Debug(msg string, fields ...zap.Field) { Get().Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { Get().Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { Get().Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { Get().Error(msg, fields...) }

func Fatal(msg string, fields ...zap.Field) { Get().Fatal(msg, fields...) }

// Field helpers so call sites avoid a second zap import.

func String(key, value string) zap.Field { return zap.String(key, value) }

func Bool(key string, value bool) zap.Field { return zap.Bool(key, value) }

func Int(key string, value int) zap.Field { return zap.Int(key, value) }

func Uint32(key string, value uint32) zap.Field { return zap.Uint32(key, value) }

func Any(key string, value interface{}) zap.Field { return zap.Any(key, value) }

func Duration(key string, d time.Duration) zap.Field { return zap.Duration(key, d) }

func Time(key string, value time.Time) zap.Field { return zap.Time(key, value) }

// ErrorField wraps zap.Error under a name that does not collide with
// the Error logging helper.
func ErrorField(err error) zap.Field { return zap.Error(err) }
