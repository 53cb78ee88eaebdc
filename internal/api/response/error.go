package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/modelchat/internal/domain"
)

// StatusOf maps a service error to an HTTP status code.
func StatusOf(err error) int {
	if errors.Is(err, domain.ErrQuotaExceeded) {
		return http.StatusInsufficientStorage
	}
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConfiguration:
		return http.StatusPreconditionFailed
	case domain.KindAborted:
		return http.StatusConflict
	}
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Error writes err as a JSON error body with the mapped status.
func Error(c *gin.Context, err error) {
	c.JSON(StatusOf(err), gin.H{
		"error": err.Error(),
		"kind":  domain.KindOf(err),
	})
}
