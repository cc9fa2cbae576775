// Package zlog builds the process-wide zap logger: JSON encoding, console
// plus rotated file output.
package zlog

import (
	"os"
	"path"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New creates a logger writing to stdout and, when logPath is non-empty, to
// a size-rotated file as well.
func New(level, logPath string) (*zap.Logger, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderConfig)

	logLevel := parseLevel(level)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), logLevel),
	}
	if logPath != "" {
		if err := os.MkdirAll(path.Dir(logPath), 0o755); err != nil {
			return nil, err
		}
		fileSyncer := zapcore.AddSync(&lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    100, // MB per file
			MaxBackups: 30,
			MaxAge:     7, // days
		})
		cores = append(cores, zapcore.NewCore(encoder, fileSyncer, logLevel))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
