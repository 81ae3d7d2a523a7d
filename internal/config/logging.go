package config

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// BuildLogger creates the process logger. The returned level can be changed
// at runtime when the configuration reloads.
func (l LoggingConfig) BuildLogger() (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevel()
	if l.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(l.Level))); err != nil {
			return nil, level, fmt.Errorf("invalid log level %q: %w", l.Level, err)
		}
	}

	zc := zap.NewProductionConfig()
	if strings.EqualFold(l.Format, "console") {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	logger, err := zc.Build()
	if err != nil {
		return nil, level, err
	}
	return logger, level, nil
}
