// Package telemetry owns the process-wide zap logger, configured from
// config.GlobalCfg the same way the original moto proxy wired it up:
// lumberjack-backed rotation, a level gate read from config, and a JSON
// encoder tuned for file output rather than a terminal.
package telemetry

import (
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"moto-net/config"
)

// Logger is the process-wide structured logger. It is safe for concurrent
// use from every connection/endpoint goroutine.
var Logger *zap.Logger

func init() {
	Logger = New(config.GlobalCfg.Log.Level, config.GlobalCfg.Log.Path)
}

// New builds a zap.Logger writing JSON lines to path, rotated via
// lumberjack, gated at the given level name ("debug", "info", "warn",
// "error", "dpanic", "panic", "fatal"; unrecognized names fall back to
// info).
func New(level string, path string) *zap.Logger {
	enabler := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		gate, ok := levelMap[level]
		if !ok {
			gate = zapcore.InfoLevel
		}
		return lvl >= gate
	})

	hook := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    1024,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
	files := zapcore.AddSync(hook)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)

	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, files, enabler),
	)

	return zap.New(core, zap.AddCaller(), zap.Development())
}

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"dpanic": zapcore.DPanicLevel,
	"panic":  zapcore.PanicLevel,
	"fatal":  zapcore.FatalLevel,
}

// TimeEncoder formats timestamps the way the original moto log output did.
func TimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}
