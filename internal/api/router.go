package api

import (
	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/modelchat/internal/api/chat"
	"github.com/liliang-cn/modelchat/internal/api/middleware"
	"github.com/liliang-cn/modelchat/internal/api/workspace"
	"github.com/liliang-cn/modelchat/internal/service"
	"go.uber.org/zap"
)

// RouterConfig holds configuration for the router
type RouterConfig struct {
	APIKey       string
	AllowOrigins []string
}

// Services groups the services the HTTP API exposes.
type Services struct {
	Chat     *service.ChatService
	Sessions *service.SessionService
	Files    *service.FileService
	Models   *service.ModelService
}

// SetupRouter sets up the Gin router
func SetupRouter(svc Services, cfg RouterConfig, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	// CORS middleware
	r.Use(middleware.CORS(cfg.AllowOrigins))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	apiGroup := r.Group("/api")
	apiGroup.Use(middleware.Auth(cfg.APIKey))

	chatHandler := chat.NewHandler(svc.Chat, svc.Models)
	chatHandler.RegisterRoutes(apiGroup)

	workspaceHandler := workspace.NewHandler(svc.Sessions, svc.Files)
	workspaceHandler.RegisterRoutes(apiGroup)

	return r
}
