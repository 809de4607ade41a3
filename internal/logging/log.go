// Logger construction for the host tools
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/omnixtend/oxhost/internal/cfg"
)

var levelMap = map[string]zapcore.Level{
	"trace": zapcore.DebugLevel,
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
	"fatal": zapcore.FatalLevel,
}

// New builds a logger at the given level. With a non-empty path the output
// goes to a rotating JSON file, which keeps the TUI screen free of log
// lines; otherwise it is console-encoded on stderr.
func New(level string, path string) *zap.Logger {
	lvl, ok := levelMap[level]
	if !ok {
		lvl = zapcore.InfoLevel
	}

	enabler := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= lvl
	})

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var core zapcore.Core
	if path != "" {
		hook := lumberjack.Logger{
			Filename:   path,
			MaxSize:    64,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		core = zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(&hook), enabler)
	} else {
		core = zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(os.Stderr), enabler)
	}

	return zap.New(core, zap.AddCaller())
}

// FromEnv builds a stderr logger with the level taken from OXHOST_LOG.
func FromEnv() *zap.Logger {
	return New(os.Getenv(cfg.LogLevelEnv), "")
}

// FromEnvFile is FromEnv with file output instead of stderr.
func FromEnvFile(path string) *zap.Logger {
	return New(os.Getenv(cfg.LogLevelEnv), path)
}
