package chat

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/modelchat/internal/api/response"
	"github.com/liliang-cn/modelchat/internal/domain"
	"github.com/liliang-cn/modelchat/internal/service"
)

// Handler handles chat API requests
type Handler struct {
	chatService  *service.ChatService
	modelService *service.ModelService
}

// NewHandler creates a new chat handler
func NewHandler(chatService *service.ChatService, modelService *service.ModelService) *Handler {
	return &Handler{chatService: chatService, modelService: modelService}
}

// RegisterRoutes registers chat routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/models", h.ListModels)

	chat := r.Group("/chat")
	{
		chat.POST("", h.Send)
		chat.POST("/stream", h.ChatStream)
		chat.POST("/stop", h.StopAll)
		chat.POST("/:session_id/stop", h.Stop)
	}
}

// ListModels returns the models available for generation
func (h *Handler) ListModels(c *gin.Context) {
	models, err := h.modelService.ListModels(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"models":   models,
		"defaults": h.modelService.DefaultSettings(),
	})
}

// Send queues a message and returns without waiting for the reply
func (h *Handler) Send(c *gin.Context) {
	var req domain.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.chatService.SendMessage(c.Request.Context(), &req)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

// ChatStream queues a message and relays its generation as server-sent events
func (h *Handler) ChatStream(c *gin.Context) {
	var req domain.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	_, stream, err := h.chatService.ChatStream(c.Request.Context(), &req)
	if err != nil {
		response.Error(c, err)
		return
	}

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		chunk, ok := <-stream
		if !ok {
			return false
		}
		data, _ := json.Marshal(chunk)
		writeSSE(w, chunk.Type, string(data))
		return true
	})
}

// Stop cancels the queued or running generation of a session
func (h *Handler) Stop(c *gin.Context) {
	sessionID := c.Param("session_id")
	if !h.chatService.Stop(sessionID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no generation in progress"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "generation stopped"})
}

// StopAll cancels every queued and running generation
func (h *Handler) StopAll(c *gin.Context) {
	h.chatService.StopAll()
	c.JSON(http.StatusOK, gin.H{"message": "all generations stopped"})
}

func writeSSE(w io.Writer, eventType, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
}
