package kit

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the production JSON logger used by every binary.
// An unknown level falls back to info.
func NewLogger(service, level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.InitialFields = map[string]any{"service": service}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}
