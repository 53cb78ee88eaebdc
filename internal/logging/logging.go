// Package logging builds the process logger and is the one place errors are
// logged before they are surfaced to the UI.
package logging

import (
	"fmt"

	"github.com/liliang-cn/modelchat/internal/config"
	"github.com/liliang-cn/modelchat/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a logger from the log configuration.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	return zcfg.Build()
}

// Error logs err with its kind. Cancellations are logged at info level since
// they are user-initiated.
func Error(logger *zap.Logger, msg string, err error, fields ...zap.Field) {
	if logger == nil || err == nil {
		return
	}
	kind := domain.KindOf(err)
	fields = append(fields, zap.String("kind", kind), zap.Error(err))
	if kind == domain.KindAborted {
		logger.Info(msg, fields...)
		return
	}
	logger.Error(msg, fields...)
}
