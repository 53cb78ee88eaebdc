package logging

import (
	"context"
	"errors"
	"testing"

	"github.com/liliang-cn/modelchat/internal/config"
	"github.com/liliang-cn/modelchat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	logger, err := New(config.LogConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = New(config.LogConfig{Level: "loud"})
	require.Error(t, err)
}

func TestError_AttachesKind(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	Error(logger, "upload failed", domain.ErrMissingAPIKey, zap.String("file_id", "f1"))
	Error(logger, "generation stopped", context.Canceled)
	Error(logger, "ignored", nil)

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)

	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, domain.KindConfiguration, entries[0].ContextMap()["kind"])
	assert.Equal(t, "f1", entries[0].ContextMap()["file_id"])

	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, domain.KindAborted, entries[1].ContextMap()["kind"])
}

func TestError_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() { Error(nil, "x", errors.New("boom")) })
}
