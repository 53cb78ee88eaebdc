package workspace

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/modelchat/internal/api/response"
	"github.com/liliang-cn/modelchat/internal/domain"
	"github.com/liliang-cn/modelchat/internal/service"
	"github.com/liliang-cn/modelchat/internal/upload"
)

// Handler handles session and attachment requests
type Handler struct {
	sessionService *service.SessionService
	fileService    *service.FileService
}

// NewHandler creates a new workspace handler
func NewHandler(sessionService *service.SessionService, fileService *service.FileService) *Handler {
	return &Handler{
		sessionService: sessionService,
		fileService:    fileService,
	}
}

// RegisterRoutes registers session and file routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	sessions := r.Group("/sessions")
	{
		sessions.GET("", h.ListSessions)
		sessions.DELETE("", h.ClearHistory)
		sessions.POST("", h.NewChat)
		sessions.GET("/current", h.CurrentSession)
		sessions.PUT("/current/settings", h.UpdateSettings)
		sessions.POST("/:id/load", h.LoadSession)
		sessions.DELETE("/:id", h.DeleteSession)
	}

	files := r.Group("/files")
	{
		files.GET("", h.ListFiles)
		files.POST("", h.UploadFiles)
		files.POST("/drop", h.DropFiles)
		files.POST("/drag", h.Drag)
		files.POST("/by-id", h.AddFileByID)
		files.POST("/:id/cancel", h.CancelUpload)
		files.POST("/:id/retry", h.RetryUpload)
		files.DELETE("/:id", h.RemoveFile)
	}
}

// Session handlers

func (h *Handler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.sessionService.ListSessions()})
}

func (h *Handler) CurrentSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.sessionService.Current())
}

type newChatRequest struct {
	SaveFirst bool `json:"save_first"`
}

func (h *Handler) NewChat(c *gin.Context) {
	var req newChatRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	conv, err := h.sessionService.NewChat(c.Request.Context(), req.SaveFirst)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, conv)
}

func (h *Handler) UpdateSettings(c *gin.Context) {
	var settings domain.ChatSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, h.sessionService.UpdateSettings(settings))
}

func (h *Handler) LoadSession(c *gin.Context) {
	id := c.Param("id")
	conv, found, err := h.sessionService.LoadSession(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"found": found, "conversation": conv})
}

func (h *Handler) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.sessionService.DeleteSession(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "session deleted"})
}

func (h *Handler) ClearHistory(c *gin.Context) {
	if err := h.sessionService.ClearHistory(c.Request.Context()); err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "history cleared"})
}

// File handlers

type fileView struct {
	domain.UploadedFile
	ErrorMessage string `json:"errorMessage,omitempty"`
}

func views(files []domain.UploadedFile) []fileView {
	out := make([]fileView, 0, len(files))
	for _, f := range files {
		out = append(out, fileView{UploadedFile: f, ErrorMessage: upload.ErrorMessage(f)})
	}
	return out
}

func (h *Handler) ListFiles(c *gin.Context) {
	uploads := h.fileService.Manager()
	c.JSON(http.StatusOK, gin.H{
		"files":    views(uploads.Files()),
		"dragging": uploads.Dragging(),
	})
}

func (h *Handler) UploadFiles(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form with files is required"})
		return
	}

	files, err := h.fileService.Upload(c.Request.Context(), form.File["file"])
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"files": views(files)})
}

func (h *Handler) DropFiles(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form with files is required"})
		return
	}

	if len(form.File["file"]) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no files dropped"})
		return
	}
	files, err := h.fileService.ReadFiles(form.File["file"])
	if err != nil {
		response.Error(c, err)
		return
	}

	added, accepted := h.fileService.Manager().Drop(c.Request.Context(), files)
	if !accepted {
		c.JSON(http.StatusConflict, gin.H{"error": "files are still being processed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"files": views(added)})
}

type dragRequest struct {
	State string `json:"state" binding:"required,oneof=enter leave"`
}

func (h *Handler) Drag(c *gin.Context) {
	var req dragRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	uploads := h.fileService.Manager()
	if req.State == "enter" {
		uploads.DragEnter()
	} else {
		uploads.DragLeave()
	}

	c.JSON(http.StatusOK, gin.H{"dragging": uploads.Dragging()})
}

type addByIDRequest struct {
	FileID string `json:"file_id" binding:"required"`
}

func (h *Handler) AddFileByID(c *gin.Context) {
	var req addByIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	file, err := h.fileService.Manager().AddFileByID(c.Request.Context(), req.FileID)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, fileView{UploadedFile: file, ErrorMessage: upload.ErrorMessage(file)})
}

func (h *Handler) CancelUpload(c *gin.Context) {
	if err := h.fileService.Manager().CancelUpload(c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "upload cancelling"})
}

func (h *Handler) RetryUpload(c *gin.Context) {
	file, err := h.fileService.Manager().RetryUpload(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, fileView{UploadedFile: file, ErrorMessage: upload.ErrorMessage(file)})
}

func (h *Handler) RemoveFile(c *gin.Context) {
	if err := h.fileService.Manager().RemoveFile(c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "file removed"})
}
