package env

import (
	zap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// MakeLogger builds the process logger. The level can be changed at runtime
// through level.
func MakeLogger(level zap.AtomicLevel) (*zap.Logger, error) {
	logConfig := zap.NewProductionConfig()
	logConfig.Level = level
	logConfig.Encoding = "json"
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return logConfig.Build()
}

// LevelFor returns the initial log level
func LevelFor(debug bool) zap.AtomicLevel {
	if debug {
		return zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zap.NewAtomicLevelAt(zap.InfoLevel)
}
