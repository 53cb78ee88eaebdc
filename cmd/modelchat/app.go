package main

import (
	"context"
	"fmt"
	"time"

	"github.com/liliang-cn/modelchat/internal/api"
	"github.com/liliang-cn/modelchat/internal/backend"
	"github.com/liliang-cn/modelchat/internal/config"
	"github.com/liliang-cn/modelchat/internal/domain"
	"github.com/liliang-cn/modelchat/internal/history"
	"github.com/liliang-cn/modelchat/internal/logging"
	"github.com/liliang-cn/modelchat/internal/queue"
	"github.com/liliang-cn/modelchat/internal/repository"
	"github.com/liliang-cn/modelchat/internal/service"
	"github.com/liliang-cn/modelchat/internal/transport"
	"github.com/liliang-cn/modelchat/internal/upload"
	"github.com/liliang-cn/modelchat/internal/worker"
	"go.uber.org/zap"
)

const drainTimeout = 10 * time.Second

// app owns every long-lived component of a running server.
type app struct {
	logger *zap.Logger

	db      *repository.DB
	images  *repository.ImageCache
	gemini  *backend.GeminiClient
	exec    *worker.Executor
	port    *worker.Port
	router  *transport.Router
	queue   *queue.Queue
	store   *history.Store
	uploads *upload.Manager

	models   *service.ModelService
	chat     *service.ChatService
	sessions *service.SessionService
	files    *service.FileService
}

func openStore(ctx context.Context, cfg *config.Config, models *service.ModelService, logger *zap.Logger) (*repository.DB, *repository.ImageCache, *history.Store, error) {
	db, err := repository.NewDB(cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	images, err := repository.NewImageCache(cfg.ImageCache.Path)
	if err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("failed to open image cache: %w", err)
	}

	store := history.NewStore(repository.NewKVStore(db, cfg.Database.MaxBytes), images, history.Options{
		SaveDebounce:        cfg.History.SaveDebounce,
		ImageRetainSessions: cfg.History.ImageRetainSessions,
		Defaults:            models.DefaultSettings,
	}, logger)
	if err := store.Init(ctx); err != nil {
		images.Close()
		db.Close()
		return nil, nil, nil, fmt.Errorf("failed to load chat history: %w", err)
	}
	return db, images, store, nil
}

func newGemini(cfg *config.Config) *backend.GeminiClient {
	return backend.NewGeminiClient(backend.Config{
		BaseURL:           cfg.Gemini.BaseURL,
		APIKey:            cfg.Gemini.APIKey,
		RequestTimeout:    cfg.Gemini.RequestTimeout,
		RateLimitEnabled:  cfg.RateLimit.Enabled,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
	}, nil)
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{logger: logger}

	a.gemini = newGemini(cfg)
	a.models = service.NewModelService(a.gemini, cfg.Chat, logger)

	var err error
	a.db, a.images, a.store, err = openStore(ctx, cfg, a.models, logger)
	if err != nil {
		return nil, err
	}

	// worker.enabled toggles delegation only; the executor always runs.
	a.exec = worker.NewExecutor(func() (backend.Backend, error) { return a.gemini, nil }, logger.Named("worker"))
	a.exec.Activate()
	a.port = a.exec.Connect()
	a.router = transport.NewRouter(a.gemini, logger)
	a.router.AttachWorker(a.port)
	a.router.SetDelegation(cfg.Worker.Enabled)

	a.uploads = upload.NewManager(a.gemini, upload.NewPreviews(), cfg.Upload, logger)
	a.uploads.OnChange(func(f domain.UploadedFile) {
		logger.Debug("File state changed",
			zap.String("file_id", f.ID),
			zap.String("state", string(f.UploadState)),
			zap.Int("progress", f.Progress))
	})

	a.queue = queue.New(logger)
	a.chat = service.NewChatService(a.store, a.uploads, a.router, a.queue, a.models, logger)
	a.sessions = service.NewSessionService(a.store, a.chat, a.uploads, logger)
	a.files = service.NewFileService(a.uploads, cfg.Upload.MaxFileBytes, logger)
	return a, nil
}

func (a *app) services() api.Services {
	return api.Services{
		Chat:     a.chat,
		Sessions: a.sessions,
		Files:    a.files,
		Models:   a.models,
	}
}

// reload applies the settings that can change without a restart.
func (a *app) reload(cfg *config.Config) {
	a.gemini.SetAPIKey(cfg.Gemini.APIKey)
	a.gemini.SetRateLimit(cfg.RateLimit.Enabled, cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
	a.models.UpdateDefaults(cfg.Chat)
	a.models.InvalidateModels()
	a.router.SetDelegation(cfg.Worker.Enabled)
	a.logger.Info("Configuration reloaded",
		zap.Bool("worker", cfg.Worker.Enabled),
		zap.String("model", cfg.Chat.ModelID))
}

// close stops generations, drains the queue and flushes history before the
// stores are closed.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	a.chat.StopAll()
	if err := a.queue.Wait(ctx); err != nil {
		logging.Error(a.logger, "Queue did not drain", err)
	}
	a.router.DetachWorker()
	a.port.Close()
	a.exec.Wait()

	if err := a.store.Flush(ctx); err != nil {
		logging.Error(a.logger, "Failed to flush chat history", err)
	}
	if err := a.images.Close(); err != nil {
		logging.Error(a.logger, "Failed to close image cache", err)
	}
	if err := a.db.Close(); err != nil {
		logging.Error(a.logger, "Failed to close database", err)
	}
}
