// Package logging provides the process-wide zap logger, configured the way
// the teacher's logger package builds its console encoder, but with the
// level driven by the --log CLI flag (spec.md §6) instead of a hardcoded
// DebugLevel.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Log *zap.Logger

func init() {
	Log = New("info")
}

// Level names accepted by the --log flag.
const (
	LevelError   = "error"
	LevelWarning = "warning"
	LevelInfo    = "info"
	LevelVerbose = "verbose"
	LevelDebug   = "debug"
)

func New(level string) *zap.Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:      "ts",
		LevelKey:     "level",
		NameKey:      "logger",
		CallerKey:    "caller",
		MessageKey:   "msg",
		LineEnding:   zapcore.DefaultLineEnding,
		EncodeTime:   zapcore.ISO8601TimeEncoder,
		EncodeLevel:  zapcore.CapitalColorLevelEncoder,
		EncodeCaller: zapcore.ShortCallerEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stdout),
		zapLevel(level),
	)
	return zap.New(core, zap.AddCaller())
}

func zapLevel(level string) zapcore.Level {
	switch level {
	case LevelError:
		return zapcore.ErrorLevel
	case LevelWarning:
		return zapcore.WarnLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelVerbose:
		return zapcore.DebugLevel
	case LevelDebug:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// SetGlobal replaces the package-wide logger, called once from cmd/archivesync
// after flags are parsed.
func SetGlobal(l *zap.Logger) { Log = l }

func Info(msg string, fields ...zap.Field)  { Log.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Log.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Log.Error(msg, fields...) }
func Debug(msg string, fields ...zap.Field) { Log.Debug(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { Log.Fatal(msg, fields...) }
