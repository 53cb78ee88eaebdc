// Package backend talks to the Gemini API.
package backend

import (
	"context"
	"io"

	"github.com/liliang-cn/modelchat/internal/domain"
)

// ChunkResult is one element of a response stream. Exactly one field is set.
type ChunkResult struct {
	Chunk *domain.GenerateChunk
	Err   error
}

// Backend is the chat model service the core consumes. Every call honors
// ctx cancellation.
type Backend interface {
	// SendStream starts a streaming generation. The channel is closed when
	// the stream ends, fails or ctx is cancelled.
	SendStream(ctx context.Context, req *domain.GenerationRequest) (<-chan ChunkResult, error)
	// SendOnce runs a generation and returns the whole response.
	SendOnce(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerateChunk, error)
	// UploadFile uploads r and reports the backend processing state.
	UploadFile(ctx context.Context, r io.Reader, size int64, mimeType, displayName string) (*domain.FileMetadata, error)
	// GetFileMetadata looks up a file by resource name. A missing file is
	// reported as found == false with a nil error.
	GetFileMetadata(ctx context.Context, name string) (meta *domain.FileMetadata, found bool, err error)
	// ListModels returns the models that support generation.
	ListModels(ctx context.Context) ([]domain.ModelInfo, error)
}
