// Package backendtest provides a scriptable in-memory Backend for tests.
package backendtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/liliang-cn/modelchat/internal/backend"
	"github.com/liliang-cn/modelchat/internal/domain"
)

// Fake is a scriptable backend.Backend.
type Fake struct {
	// Chunks are streamed in order by SendStream.
	Chunks []*domain.GenerateChunk
	// StreamErr is returned by SendStream before any chunk.
	StreamErr error
	// MidStreamErr is emitted after all Chunks.
	MidStreamErr error
	// Gate, when set, must receive once before each chunk is emitted.
	Gate chan struct{}

	Once    *domain.GenerateChunk
	OnceErr error

	UploadFunc   func(ctx context.Context, r io.Reader, size int64, mimeType, displayName string) (*domain.FileMetadata, error)
	MetadataFunc func(ctx context.Context, name string) (*domain.FileMetadata, bool, error)

	Models []domain.ModelInfo

	mu       sync.Mutex
	requests []*domain.GenerationRequest
}

var _ backend.Backend = (*Fake)(nil)

// Requests returns every generation request received.
func (f *Fake) Requests() []*domain.GenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.GenerationRequest(nil), f.requests...)
}

func (f *Fake) record(req *domain.GenerationRequest) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
}

// SendStream implements backend.Backend.
func (f *Fake) SendStream(ctx context.Context, req *domain.GenerationRequest) (<-chan backend.ChunkResult, error) {
	f.record(req)
	if f.StreamErr != nil {
		return nil, f.StreamErr
	}
	ch := make(chan backend.ChunkResult)
	go func() {
		defer close(ch)
		send := func(r backend.ChunkResult) bool {
			select {
			case ch <- r:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, c := range f.Chunks {
			if f.Gate != nil {
				select {
				case <-f.Gate:
				case <-ctx.Done():
					return
				}
			}
			if !send(backend.ChunkResult{Chunk: c}) {
				return
			}
		}
		if f.MidStreamErr != nil {
			send(backend.ChunkResult{Err: f.MidStreamErr})
		}
	}()
	return ch, nil
}

// SendOnce implements backend.Backend.
func (f *Fake) SendOnce(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerateChunk, error) {
	f.record(req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.OnceErr != nil {
		return nil, f.OnceErr
	}
	return f.Once, nil
}

// UploadFile implements backend.Backend.
func (f *Fake) UploadFile(ctx context.Context, r io.Reader, size int64, mimeType, displayName string) (*domain.FileMetadata, error) {
	if f.UploadFunc != nil {
		return f.UploadFunc(ctx, r, size, mimeType, displayName)
	}
	return &domain.FileMetadata{
		Name:     "files/" + displayName,
		URI:      "https://example.test/files/" + displayName,
		MIMEType: mimeType,
		State:    domain.FileStateActive,
	}, nil
}

// GetFileMetadata implements backend.Backend.
func (f *Fake) GetFileMetadata(ctx context.Context, name string) (*domain.FileMetadata, bool, error) {
	if f.MetadataFunc != nil {
		return f.MetadataFunc(ctx, name)
	}
	return nil, false, nil
}

// ListModels implements backend.Backend.
func (f *Fake) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	return f.Models, nil
}

// TextChunk builds a chunk with one text part, encoded like a real response.
func TextChunk(text string, thought bool) *domain.GenerateChunk {
	return Chunk(map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{"parts": []any{map[string]any{"text": text, "thought": thought}}},
		}},
	})
}

// GroundedChunk builds a text chunk carrying web grounding sources.
func GroundedChunk(text string, uris ...string) *domain.GenerateChunk {
	sources := make([]any, 0, len(uris))
	for _, u := range uris {
		sources = append(sources, map[string]any{"web": map[string]any{"uri": u, "title": u}})
	}
	return Chunk(map[string]any{
		"candidates": []any{map[string]any{
			"content":           map[string]any{"parts": []any{map[string]any{"text": text}}},
			"groundingMetadata": map[string]any{"groundingChunks": sources},
		}},
	})
}

// UsageChunk builds a chunk carrying only usage counters.
func UsageChunk(prompt, candidates int) *domain.GenerateChunk {
	return Chunk(map[string]any{
		"usageMetadata": map[string]any{
			"promptTokenCount":     prompt,
			"candidatesTokenCount": candidates,
			"totalTokenCount":      prompt + candidates,
		},
	})
}

// Chunk encodes v and parses it with backend.ParseChunk.
func Chunk(v any) *domain.GenerateChunk {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c, err := backend.ParseChunk(raw)
	if err != nil {
		panic(fmt.Sprintf("backendtest: %v", err))
	}
	return c
}
