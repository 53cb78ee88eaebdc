package response

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/liliang-cn/modelchat/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", fmt.Errorf("%w: bad", domain.ErrEmptyMessage), http.StatusBadRequest},
		{"invalid file id", domain.ErrInvalidFileID, http.StatusBadRequest},
		{"not found", fmt.Errorf("%w: session x", domain.ErrNotFound), http.StatusNotFound},
		{"missing key", domain.ErrMissingAPIKey, http.StatusPreconditionFailed},
		{"aborted", context.Canceled, http.StatusConflict},
		{"quota", fmt.Errorf("write: %w", domain.ErrQuotaExceeded), http.StatusInsufficientStorage},
		{"backend", &domain.APIError{Name: "Error", Message: "boom", Status: 429}, http.StatusBadGateway},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusOf(tt.err))
		})
	}
}
