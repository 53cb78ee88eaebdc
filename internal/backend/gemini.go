package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/liliang-cn/modelchat/internal/domain"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

const apiVersion = "v1beta"

// Config configures a GeminiClient.
type Config struct {
	BaseURL           string
	APIKey            string
	RequestTimeout    time.Duration
	RateLimitEnabled  bool
	RequestsPerMinute int
	Burst             int
}

// GeminiClient implements Backend on top of the genai SDK.
type GeminiClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration

	mu      sync.RWMutex
	apiKey  string
	limiter *rate.Limiter
	clients map[string]*genai.Client
}

// NewGeminiClient creates a client. httpClient may be nil.
func NewGeminiClient(cfg Config, httpClient *http.Client) *GeminiClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	c := &GeminiClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		timeout:    cfg.RequestTimeout,
		apiKey:     cfg.APIKey,
		clients:    make(map[string]*genai.Client),
	}
	c.SetRateLimit(cfg.RateLimitEnabled, cfg.RequestsPerMinute, cfg.Burst)
	return c
}

// SetAPIKey replaces the default credential.
func (c *GeminiClient) SetAPIKey(key string) {
	c.mu.Lock()
	c.apiKey = key
	c.mu.Unlock()
}

// SetRateLimit replaces the request limiter. A disabled or non-positive
// limit removes throttling.
func (c *GeminiClient) SetRateLimit(enabled bool, perMinute, burst int) {
	var limiter *rate.Limiter
	if enabled && perMinute > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
	}
	c.mu.Lock()
	c.limiter = limiter
	c.mu.Unlock()
}

func (c *GeminiClient) key(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.apiKey == "" {
		return "", domain.ErrMissingAPIKey
	}
	return c.apiKey, nil
}

// client returns the SDK client bound to key, creating it on first use.
func (c *GeminiClient) client(override string) (*genai.Client, error) {
	key, err := c.key(override)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	sdk, ok := c.clients[key]
	c.mu.RUnlock()
	if ok {
		return sdk, nil
	}

	cfg := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: c.httpClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    c.baseURL,
			APIVersion: apiVersion,
		},
	}
	sdk, err = genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.clients[key]; ok {
		return existing, nil
	}
	c.clients[key] = sdk
	return sdk, nil
}

func (c *GeminiClient) wait(ctx context.Context) error {
	c.mu.RLock()
	limiter := c.limiter
	c.mu.RUnlock()
	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

// withTimeout bounds SendOnce, GetFileMetadata and ListModels. Streams and
// uploads run until their caller's context ends.
func (c *GeminiClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

// translateError maps SDK and transport failures onto domain errors. A done
// context wins so cancellation stays recognisable as an abort.
func translateError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		name := apiErr.Status
		if name == "" {
			name = http.StatusText(apiErr.Code)
		}
		if name == "" {
			name = "APIError"
		}
		return &domain.APIError{Name: name, Message: apiErr.Message, Status: apiErr.Code}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &domain.APIError{Name: "NetworkError", Message: err.Error()}
}

func toContents(history []domain.Content) ([]*genai.Content, error) {
	out := make([]*genai.Content, 0, len(history))
	for _, content := range history {
		gc := &genai.Content{Role: content.Role}
		for _, p := range content.Parts {
			part, err := toPart(p)
			if err != nil {
				return nil, err
			}
			gc.Parts = append(gc.Parts, part)
		}
		out = append(out, gc)
	}
	return out, nil
}

func toPart(p domain.Part) (*genai.Part, error) {
	part := &genai.Part{Text: p.Text, Thought: p.Thought}
	if p.InlineData != nil {
		data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: inline data: %v", domain.ErrInvalidRequest, err)
		}
		part.InlineData = &genai.Blob{MIMEType: p.InlineData.MIMEType, Data: data}
	}
	if p.FileData != nil {
		part.FileData = &genai.FileData{MIMEType: p.FileData.MIMEType, FileURI: p.FileData.FileURI}
	}
	if p.ExecutableCode != nil {
		part.ExecutableCode = &genai.ExecutableCode{
			Code:     p.ExecutableCode.Code,
			Language: genai.Language(p.ExecutableCode.Language),
		}
	}
	if p.CodeExecutionResult != nil {
		part.CodeExecutionResult = &genai.CodeExecutionResult{
			Outcome: genai.Outcome(p.CodeExecutionResult.Outcome),
			Output:  p.CodeExecutionResult.Output,
		}
	}
	return part, nil
}

func generateConfig(cfg domain.GenerationConfig) *genai.GenerateContentConfig {
	gc := &genai.GenerateContentConfig{}

	if cfg.SystemInstruction != "" {
		gc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.SystemInstruction}}}
	}
	if cfg.Temperature != nil {
		gc.Temperature = genai.Ptr(float32(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		gc.TopP = genai.Ptr(float32(*cfg.TopP))
	}
	if cfg.ThinkingBudget != nil || cfg.IncludeThoughts {
		gc.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: cfg.IncludeThoughts}
		if cfg.ThinkingBudget != nil {
			gc.ThinkingConfig.ThinkingBudget = genai.Ptr(int32(*cfg.ThinkingBudget))
		}
	}

	if cfg.GoogleSearch {
		gc.Tools = append(gc.Tools, &genai.Tool{GoogleSearch: &genai.GoogleSearch{}})
	}
	if cfg.CodeExecution {
		gc.Tools = append(gc.Tools, &genai.Tool{CodeExecution: &genai.ToolCodeExecution{}})
	}
	if cfg.URLContext {
		gc.Tools = append(gc.Tools, &genai.Tool{URLContext: &genai.URLContext{}})
	}

	return gc
}

// toChunk re-encodes an SDK response so the chunk carries the same raw JSON
// the worker forwards over the port.
func toChunk(resp *genai.GenerateContentResponse) (*domain.GenerateChunk, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidChunk, err)
	}
	return ParseChunk(raw)
}

func (c *GeminiClient) prepare(ctx context.Context, req *domain.GenerationRequest) (*genai.Client, []*genai.Content, error) {
	sdk, err := c.client(req.APIKey)
	if err != nil {
		return nil, nil, err
	}
	if err := c.wait(ctx); err != nil {
		return nil, nil, err
	}
	contents, err := toContents(req.History)
	if err != nil {
		return nil, nil, err
	}
	return sdk, contents, nil
}

// SendStream implements Backend. The first response is awaited before
// returning so request failures surface as the error result.
func (c *GeminiClient) SendStream(ctx context.Context, req *domain.GenerationRequest) (<-chan ChunkResult, error) {
	sdk, contents, err := c.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	seq := sdk.Models.GenerateContentStream(ctx, req.Model, contents, generateConfig(req.Config))
	next, stop := iter.Pull2(seq)

	first, err, ok := next()
	if err != nil {
		stop()
		return nil, translateError(ctx, err)
	}

	ch := make(chan ChunkResult)
	go func() {
		defer close(ch)
		defer stop()

		send := func(r ChunkResult) bool {
			select {
			case ch <- r:
				return true
			case <-ctx.Done():
				return false
			}
		}

		resp := first
		for ok {
			chunk, err := toChunk(resp)
			if err != nil {
				send(ChunkResult{Err: err})
				return
			}
			if !send(ChunkResult{Chunk: chunk}) {
				return
			}

			resp, err, ok = next()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				send(ChunkResult{Err: translateError(ctx, err)})
				return
			}
		}
	}()

	return ch, nil
}

// SendOnce implements Backend.
func (c *GeminiClient) SendOnce(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerateChunk, error) {
	sdk, contents, err := c.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := sdk.Models.GenerateContent(callCtx, req.Model, contents, generateConfig(req.Config))
	if err != nil {
		return nil, translateError(callCtx, err)
	}
	return toChunk(resp)
}

// UploadFile implements Backend. The SDK drives the resumable upload protocol
// and reads r to the end, so size is advisory.
func (c *GeminiClient) UploadFile(ctx context.Context, r io.Reader, size int64, mimeType, displayName string) (*domain.FileMetadata, error) {
	sdk, err := c.client("")
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	file, err := sdk.Files.Upload(ctx, r, &genai.UploadFileConfig{
		MIMEType:    mimeType,
		DisplayName: displayName,
	})
	if err != nil {
		return nil, translateError(ctx, err)
	}
	meta, err := fileMetadata(file)
	if err != nil {
		return nil, err
	}
	if meta.SizeBytes == 0 {
		meta.SizeBytes = size
	}
	return meta, nil
}

// GetFileMetadata implements Backend. Not-found and forbidden both report a
// missing file.
func (c *GeminiClient) GetFileMetadata(ctx context.Context, name string) (*domain.FileMetadata, bool, error) {
	sdk, err := c.client("")
	if err != nil {
		return nil, false, err
	}
	if err := c.wait(ctx); err != nil {
		return nil, false, err
	}

	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	file, err := sdk.Files.Get(callCtx, name, nil)
	if err != nil {
		err = translateError(callCtx, err)
		var apiErr *domain.APIError
		if errors.As(err, &apiErr) && (apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusForbidden) {
			return nil, false, nil
		}
		return nil, false, err
	}

	meta, err := fileMetadata(file)
	if err != nil {
		return nil, false, err
	}
	return meta, true, nil
}

// ListModels implements Backend. Only models that support generateContent
// are returned.
func (c *GeminiClient) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	sdk, err := c.client("")
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	var models []domain.ModelInfo
	for m, err := range sdk.Models.All(callCtx) {
		if err != nil {
			return nil, translateError(callCtx, err)
		}
		if !slices.Contains(m.SupportedActions, "generateContent") {
			continue
		}
		models = append(models, domain.ModelInfo{
			ID:          strings.TrimPrefix(m.Name, "models/"),
			DisplayName: m.DisplayName,
			Description: m.Description,
		})
	}
	return models, nil
}

func fileMetadata(f *genai.File) (*domain.FileMetadata, error) {
	if f == nil || f.Name == "" {
		return nil, &domain.APIError{Name: "UploadError", Message: "file metadata missing from response"}
	}
	meta := &domain.FileMetadata{
		Name:        f.Name,
		DisplayName: f.DisplayName,
		MIMEType:    f.MIMEType,
		URI:         f.URI,
		State:       string(f.State),
	}
	if !strings.HasPrefix(meta.Name, "files/") {
		meta.Name = "files/" + meta.Name
	}
	if f.SizeBytes != nil {
		meta.SizeBytes = *f.SizeBytes
	}
	if f.Error != nil {
		meta.Error = f.Error.Message
	}
	return meta, nil
}
