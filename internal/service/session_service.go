package service

import (
	"context"
	"time"

	"github.com/liliang-cn/modelchat/internal/domain"
	"github.com/liliang-cn/modelchat/internal/history"
	"github.com/liliang-cn/modelchat/internal/upload"
	"go.uber.org/zap"
)

// SessionSummary is one entry of the session list.
type SessionSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Timestamp    time.Time `json:"timestamp"`
	MessageCount int       `json:"message_count"`
	Active       bool      `json:"active"`
}

// SessionService handles session operations
type SessionService struct {
	history *history.Store
	chat    *ChatService
	uploads *upload.Manager
	logger  *zap.Logger
}

// NewSessionService creates a new session service
func NewSessionService(store *history.Store, chat *ChatService, uploads *upload.Manager, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{history: store, chat: chat, uploads: uploads, logger: logger}
}

// ListSessions returns the saved sessions, most recent first.
func (s *SessionService) ListSessions() []SessionSummary {
	activeID := s.history.Current().SessionID
	sessions := s.history.Sessions()
	out := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, SessionSummary{
			ID:           sess.ID,
			Title:        sess.Title,
			Timestamp:    sess.Timestamp,
			MessageCount: len(sess.Messages),
			Active:       sess.ID == activeID,
		})
	}
	return out
}

// Current returns the active conversation.
func (s *SessionService) Current() history.Conversation {
	return s.history.Current()
}

// LoadSession activates a session. An unknown id yields a fresh chat and
// found is false.
func (s *SessionService) LoadSession(ctx context.Context, id string) (conv history.Conversation, found bool, err error) {
	return s.history.LoadSession(ctx, id)
}

// NewChat starts a fresh conversation and drops pending attachments.
func (s *SessionService) NewChat(ctx context.Context, saveCurrentFirst bool) (history.Conversation, error) {
	if err := s.history.StartNewChat(ctx, saveCurrentFirst); err != nil {
		return history.Conversation{}, err
	}
	s.uploads.Reset()
	return s.history.Current(), nil
}

// UpdateSettings replaces the settings of the active conversation.
func (s *SessionService) UpdateSettings(settings domain.ChatSettings) history.Conversation {
	conv := s.history.Current()
	s.history.SaveCurrentSession(conv.Messages, conv.SessionID, settings)
	return s.history.Current()
}

// DeleteSession stops the session's generation and removes it.
func (s *SessionService) DeleteSession(ctx context.Context, id string) error {
	if s.chat.Stop(id) {
		s.logger.Info("Stopped generation of deleted session", zap.String("session_id", id))
	}
	return s.history.DeleteSession(ctx, id)
}

// ClearHistory stops all generations, drops attachments and deletes every
// session.
func (s *SessionService) ClearHistory(ctx context.Context) error {
	s.chat.StopAll()
	s.uploads.Reset()
	return s.history.ClearAllHistory(ctx)
}
