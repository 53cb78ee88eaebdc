package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/modelchat/internal/domain"
	"github.com/liliang-cn/modelchat/internal/history"
	"github.com/liliang-cn/modelchat/internal/queue"
	"github.com/liliang-cn/modelchat/internal/transport"
	"github.com/liliang-cn/modelchat/internal/upload"
	"go.uber.org/zap"
)

const streamBuffer = 100

// Stream chunk types
const (
	ChunkStart    = "start"
	ChunkThinking = "thinking"
	ChunkContent  = "content"
	ChunkDone     = "done"
	ChunkError    = "error"
)

// ChatService turns user messages into queued generations and records their
// output in the history store.
type ChatService struct {
	history *history.Store
	uploads *upload.Manager
	router  *transport.Router
	queue   *queue.Queue
	models  *ModelService
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	active map[string]context.CancelFunc // running generation per session
}

// NewChatService creates a new chat service
func NewChatService(
	store *history.Store,
	uploads *upload.Manager,
	router *transport.Router,
	q *queue.Queue,
	models *ModelService,
	logger *zap.Logger,
) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{
		history: store,
		uploads: uploads,
		router:  router,
		queue:   q,
		models:  models,
		logger:  logger,
		now:     time.Now,
		active:  make(map[string]context.CancelFunc),
	}
}

// SendMessage appends the user message and a loading model message to the
// session and queues the generation. It returns before the generation runs.
func (s *ChatService) SendMessage(ctx context.Context, req *domain.SendRequest) (*domain.SendResponse, error) {
	return s.send(ctx, req, nil)
}

// ChatStream is SendMessage with the generation's output delivered on the
// returned channel. The channel is closed when the generation ends. If ctx
// ends first the generation keeps running; only delivery stops.
func (s *ChatService) ChatStream(ctx context.Context, req *domain.SendRequest) (*domain.SendResponse, <-chan domain.StreamChunk, error) {
	out := newSink(ctx)
	resp, err := s.send(ctx, req, out)
	if err != nil {
		return nil, nil, err
	}
	return resp, out.ch, nil
}

func (s *ChatService) send(ctx context.Context, req *domain.SendRequest, out *sink) (*domain.SendResponse, error) {
	text := strings.TrimSpace(req.Message)
	if text == "" && len(req.FileIDs) == 0 {
		return nil, domain.ErrEmptyMessage
	}

	conv := s.history.Current()
	if req.SessionID != "" && req.SessionID != conv.SessionID {
		if _, ok := s.history.Session(req.SessionID); !ok {
			return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, req.SessionID)
		}
		loaded, _, err := s.history.LoadSession(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		conv = loaded
	}

	files, err := s.uploads.Take(req.FileIDs)
	if err != nil {
		return nil, err
	}

	now := s.now()
	userMsg := domain.ChatMessage{
		ID:        uuid.NewString(),
		Role:      domain.RoleUser,
		Content:   text,
		Files:     files,
		Timestamp: now,
	}
	modelMsg := domain.ChatMessage{
		ID:                  uuid.NewString(),
		Role:                domain.RoleModel,
		Timestamp:           now,
		GenerationStartTime: &now,
		IsLoading:           true,
	}

	messages := append(conv.Messages, userMsg, modelMsg)
	genReq := &domain.GenerationRequest{
		Model:   conv.Settings.ModelID,
		History: BuildContents(messages[:len(messages)-1]),
		Config:  domain.GenerationConfigFromSettings(conv.Settings),
	}

	sessionID := s.history.SaveCurrentSession(messages, conv.SessionID, conv.Settings)

	resp := &domain.SendResponse{SessionID: sessionID, UserMessageID: userMsg.ID, ModelMessageID: modelMsg.ID}
	out.send(domain.StreamChunk{Type: ChunkStart, Content: sessionID})

	s.queue.Enqueue(queue.Item{
		SessionID:  sessionID,
		Priority:   req.Priority,
		EnqueuedAt: now,
		Execute: func(ctx context.Context) error {
			defer out.close()
			return s.generate(ctx, sessionID, modelMsg.ID, genReq, out)
		},
		Abort: func() {
			s.markCancelled(sessionID, modelMsg.ID)
			out.close()
		},
	})

	s.logger.Info("Message queued",
		zap.String("session_id", sessionID),
		zap.String("model", genReq.Model),
		zap.Int("files", len(files)),
		zap.Int("queued", s.queue.Len()))
	return resp, nil
}

// Stop cancels the session's generation, whether queued or running. It
// reports whether there was one.
func (s *ChatService) Stop(sessionID string) bool {
	if s.queue.Dequeue(sessionID) {
		return true
	}
	s.mu.Lock()
	cancel, ok := s.active[sessionID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// StopAll aborts every queued and running generation.
func (s *ChatService) StopAll() {
	s.queue.Clear()
}

func (s *ChatService) generate(ctx context.Context, sessionID, msgID string, req *domain.GenerationRequest, out *sink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.active[sessionID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, sessionID)
		s.mu.Unlock()
	}()

	log := s.logger.With(zap.String("session_id", sessionID), zap.String("model", req.Model))
	log.Debug("Generation started")

	if !s.models.Streaming() {
		return s.router.Generate(ctx, req, transport.GenerateCallbacks{
			OnError: func(err error) {
				s.fail(sessionID, msgID, err, out)
				out.send(domain.StreamChunk{Type: ChunkDone})
			},
			OnComplete: func(res domain.GenerateResult) {
				var text strings.Builder
				for _, p := range res.Parts {
					text.WriteString(PartText(p))
				}
				s.update(sessionID, msgID, func(m *domain.ChatMessage) {
					m.Content += text.String()
					m.Thoughts += res.Thoughts
				})
				out.send(domain.StreamChunk{Type: ChunkContent, Content: text.String()})
				s.complete(ctx, sessionID, msgID, res.Usage, res.Grounding, out)
			},
		})
	}

	return s.router.Stream(ctx, req, transport.Callbacks{
		OnPart: func(p domain.Part) {
			text := PartText(p)
			s.update(sessionID, msgID, func(m *domain.ChatMessage) { m.Content += text })
			out.send(domain.StreamChunk{Type: ChunkContent, Content: text})
		},
		OnThoughtChunk: func(text string) {
			s.update(sessionID, msgID, func(m *domain.ChatMessage) { m.Thoughts += text })
			out.send(domain.StreamChunk{Type: ChunkThinking, Content: text})
		},
		OnError: func(err error) {
			s.fail(sessionID, msgID, err, out)
		},
		OnComplete: func(usage *domain.UsageMetadata, grounding *domain.GroundingMetadata) {
			s.complete(ctx, sessionID, msgID, usage, grounding, out)
		},
	})
}

// fail turns the loading message into an error message, or marks it
// cancelled for aborts.
func (s *ChatService) fail(sessionID, msgID string, err error, out *sink) {
	if domain.IsAbort(err) {
		s.markCancelled(sessionID, msgID)
		return
	}
	apiErr := domain.NormalizeError(err)
	end := s.now()
	s.update(sessionID, msgID, func(m *domain.ChatMessage) {
		m.Finish(end)
		m.Role = domain.RoleError
		if m.Content != "" {
			m.Content += "\n\n"
		}
		m.Content += "Error: " + apiErr.Message
	})
	out.send(domain.StreamChunk{Type: ChunkError, Content: apiErr.Message})
}

func (s *ChatService) complete(ctx context.Context, sessionID, msgID string, usage *domain.UsageMetadata, grounding *domain.GroundingMetadata, out *sink) {
	end := s.now()
	aborted := ctx.Err() != nil
	s.update(sessionID, msgID, func(m *domain.ChatMessage) {
		m.Finish(end)
		if aborted {
			m.Cancelled = true
		}
		if usage != nil {
			m.PromptTokens = usage.PromptTokenCount
			m.CompletionTokens = usage.CandidatesTokenCount
			m.TotalTokens = usage.TotalTokenCount
		}
		if grounding != nil {
			m.Grounding = grounding
		}
	})
	out.send(domain.StreamChunk{Type: ChunkDone, Usage: usage, Grounding: grounding})
	s.logger.Debug("Generation finished", zap.String("session_id", sessionID), zap.Bool("aborted", aborted))
}

func (s *ChatService) markCancelled(sessionID, msgID string) {
	end := s.now()
	s.update(sessionID, msgID, func(m *domain.ChatMessage) {
		m.Finish(end)
		m.Cancelled = true
	})
}

// update applies fn to one message of a session. A session deleted while
// generating is ignored.
func (s *ChatService) update(sessionID, msgID string, fn func(m *domain.ChatMessage)) {
	err := s.history.UpdateMessages(context.Background(), sessionID, func(msgs []domain.ChatMessage) []domain.ChatMessage {
		for i := range msgs {
			if msgs[i].ID == msgID {
				fn(&msgs[i])
				break
			}
		}
		return msgs
	})
	if err != nil {
		s.logger.Debug("Dropped update for missing session", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// BuildContents converts a conversation into backend history. Error
// messages, loading placeholders and empty turns are left out.
func BuildContents(msgs []domain.ChatMessage) []domain.Content {
	contents := make([]domain.Content, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != domain.RoleUser && m.Role != domain.RoleModel {
			continue
		}
		if m.IsLoading {
			continue
		}
		var parts []domain.Part
		for _, f := range m.Files {
			if p, ok := domain.FilePart(f); ok {
				parts = append(parts, p)
			}
		}
		if m.Content != "" {
			parts = append(parts, domain.Part{Text: m.Content})
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, domain.Content{Role: m.Role, Parts: parts})
	}
	return contents
}

// PartText renders a response part as message text.
func PartText(p domain.Part) string {
	switch {
	case p.ExecutableCode != nil:
		lang := strings.ToLower(p.ExecutableCode.Language)
		if lang == "" {
			lang = "python"
		}
		return fmt.Sprintf("\n```%s\n%s\n```\n", lang, p.ExecutableCode.Code)
	case p.CodeExecutionResult != nil:
		return fmt.Sprintf("\n```output\n%s\n```\n", p.CodeExecutionResult.Output)
	case p.InlineData != nil:
		return fmt.Sprintf("\n![image](data:%s;base64,%s)\n", p.InlineData.MIMEType, p.InlineData.Data)
	}
	return p.Text
}

// sink delivers stream chunks to one client. A nil sink drops everything.
type sink struct {
	ctx  context.Context
	ch   chan domain.StreamChunk
	once sync.Once
	mu   sync.Mutex
	done bool
}

func newSink(ctx context.Context) *sink {
	return &sink{ctx: ctx, ch: make(chan domain.StreamChunk, streamBuffer)}
}

func (o *sink) send(c domain.StreamChunk) {
	if o == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return
	}
	select {
	case o.ch <- c:
	case <-o.ctx.Done():
	}
}

func (o *sink) close() {
	if o == nil {
		return
	}
	o.once.Do(func() {
		o.mu.Lock()
		o.done = true
		close(o.ch)
		o.mu.Unlock()
	})
}
