package service

import (
	"context"
	"sync"
	"time"

	"github.com/liliang-cn/modelchat/internal/backend"
	"github.com/liliang-cn/modelchat/internal/config"
	"github.com/liliang-cn/modelchat/internal/domain"
	"github.com/liliang-cn/modelchat/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const modelCacheTTL = 10 * time.Minute

// ModelService serves the model list and the app-wide chat defaults.
type ModelService struct {
	backend backend.Backend
	logger  *zap.Logger
	group   singleflight.Group

	mu      sync.RWMutex
	chat    config.ChatConfig
	models  []domain.ModelInfo
	fetched time.Time
}

// NewModelService creates a new model service
func NewModelService(b backend.Backend, chat config.ChatConfig, logger *zap.Logger) *ModelService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelService{backend: b, chat: chat, logger: logger}
}

// DefaultSettings returns the settings a fresh session starts from.
func (s *ModelService) DefaultSettings() domain.ChatSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.ChatSettings{
		ModelID:           s.chat.ModelID,
		Temperature:       s.chat.Temperature,
		TopP:              s.chat.TopP,
		ThinkingBudget:    s.chat.ThinkingBudget,
		ShowThoughts:      s.chat.ShowThoughts,
		SystemInstruction: s.chat.SystemInstruction,
		GoogleSearch:      s.chat.GoogleSearch,
		CodeExecution:     s.chat.CodeExecution,
		URLContext:        s.chat.URLContext,
	}
}

// Streaming reports whether generations are streamed.
func (s *ModelService) Streaming() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chat.Streaming
}

// UpdateDefaults replaces the chat defaults. Existing sessions keep their
// own settings.
func (s *ModelService) UpdateDefaults(chat config.ChatConfig) {
	s.mu.Lock()
	s.chat = chat
	s.mu.Unlock()
}

// InvalidateModels drops the cached model list, e.g. after a key change.
func (s *ModelService) InvalidateModels() {
	s.mu.Lock()
	s.models = nil
	s.fetched = time.Time{}
	s.mu.Unlock()
}

// ListModels returns the models that support generation. Results are cached
// and concurrent fetches are collapsed into one.
func (s *ModelService) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	s.mu.RLock()
	if s.models != nil && time.Since(s.fetched) < modelCacheTTL {
		models := s.models
		s.mu.RUnlock()
		return models, nil
	}
	stale := s.models
	s.mu.RUnlock()

	v, err, _ := s.group.Do("models", func() (any, error) {
		return s.backend.ListModels(ctx)
	})
	if err != nil {
		logging.Error(s.logger, "Failed to list models", err)
		if stale != nil {
			return stale, nil
		}
		return nil, err
	}

	models := v.([]domain.ModelInfo)
	s.mu.Lock()
	s.models = models
	s.fetched = time.Now()
	s.mu.Unlock()
	return models, nil
}
