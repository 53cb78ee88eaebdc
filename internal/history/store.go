// Package history owns the saved sessions and the active conversation, and
// mediates every read and write of the bounded key-value store.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/modelchat/internal/domain"
	"github.com/liliang-cn/modelchat/internal/logging"
	"github.com/liliang-cn/modelchat/internal/repository"
	"go.uber.org/zap"
)

const defaultSaveDebounce = 500 * time.Millisecond

// Options configures a Store.
type Options struct {
	SaveDebounce        time.Duration
	ImageRetainSessions int
	Clock               Clock
	// Defaults returns the settings a fresh session starts from.
	Defaults func() domain.ChatSettings
}

// Conversation is the active conversation. SessionID is empty until the
// first save.
type Conversation struct {
	SessionID string               `json:"session_id,omitempty"`
	Messages  []domain.ChatMessage `json:"messages"`
	Settings  domain.ChatSettings  `json:"settings"`
}

// Store is the canonical list of saved sessions.
type Store struct {
	kv       *repository.KVStore
	images   *repository.ImageCache
	clock    Clock
	debounce *Debouncer
	retain   int
	defaults func() domain.ChatSettings
	logger   *zap.Logger

	mu       sync.Mutex
	sessions []domain.SavedChatSession // most recent first
	cached   map[string]bool           // sessions whose images are in the image cache
	activeID string
	messages []domain.ChatMessage
	settings domain.ChatSettings
}

// NewStore creates a store. images may be nil.
func NewStore(kv *repository.KVStore, images *repository.ImageCache, opts Options, logger *zap.Logger) *Store {
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	if opts.SaveDebounce <= 0 {
		opts.SaveDebounce = defaultSaveDebounce
	}
	if opts.ImageRetainSessions <= 0 {
		opts.ImageRetainSessions = DefaultImageRetainSessions
	}
	if opts.Defaults == nil {
		opts.Defaults = func() domain.ChatSettings { return domain.ChatSettings{} }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		kv:       kv,
		images:   images,
		clock:    opts.Clock,
		debounce: NewDebouncer(opts.Clock, opts.SaveDebounce),
		retain:   opts.ImageRetainSessions,
		defaults: opts.Defaults,
		logger:   logger,
		cached:   make(map[string]bool),
	}
	s.settings = s.defaults()
	return s
}

// Init loads the persisted sessions and picks the active one: the persisted
// active id if it still resolves, else the most recent session, else a fresh
// chat. Unreadable history is logged and treated as empty.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sessions []domain.SavedChatSession
	if _, err := s.kv.GetJSON(ctx, repository.KeyChatHistory, &sessions); err != nil {
		logging.Error(s.logger, "Failed to read chat history, starting empty", err)
		sessions = nil
	}
	sortSessions(sessions)
	s.sessions = sessions

	activeID, ok, err := s.kv.Get(ctx, repository.KeyActiveSessionID)
	if err != nil {
		return fmt.Errorf("failed to read active session: %w", err)
	}

	switch {
	case ok && s.indexLocked(activeID) >= 0:
		err = s.loadLocked(ctx, activeID)
	case len(s.sessions) > 0:
		err = s.loadLocked(ctx, s.sessions[0].ID)
	default:
		s.startNewLocked(ctx)
	}
	if err != nil {
		return err
	}

	s.logger.Info("Chat history loaded",
		zap.Int("sessions", len(s.sessions)),
		zap.String("active_session", s.activeID))
	return nil
}

// SaveCurrentSession records the active conversation and schedules a
// debounced write. With no active id and at least one message a new id is
// minted and made active. It returns the active id.
func (s *Store) SaveCurrentSession(messages []domain.ChatMessage, activeID string, settings domain.ChatSettings) string {
	s.mu.Lock()
	if activeID == "" && len(messages) > 0 {
		activeID = uuid.NewString()
	}
	s.activeID = activeID
	s.messages = cloneMessages(messages)
	s.settings = settings
	s.mu.Unlock()

	s.debounce.Trigger(s.persistDebounced)
	return activeID
}

func (s *Store) persistDebounced() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistCurrentLocked(context.Background()); err != nil {
		logging.Error(s.logger, "Failed to save session", err, zap.String("session_id", s.activeID))
	}
}

// Flush writes any pending save now.
func (s *Store) Flush(ctx context.Context) error {
	s.debounce.Cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistCurrentLocked(ctx)
}

// persistCurrentLocked folds the active conversation into the session list.
// Nothing is written when neither messages nor settings changed; a settings
// only change keeps the session's timestamp so ordering is stable.
func (s *Store) persistCurrentLocked(ctx context.Context) error {
	if s.activeID == "" || len(s.messages) == 0 {
		return nil
	}

	now := s.clock.Now()
	session := domain.SavedChatSession{
		ID:        s.activeID,
		Title:     domain.DeriveTitle(s.messages),
		Timestamp: now,
		Messages:  cloneMessages(s.messages),
		Settings:  s.settings,
	}

	if i := s.indexLocked(s.activeID); i >= 0 {
		existing := s.sessions[i]
		sameMessages := sameJSON(existing.Messages, s.messages)
		sameSettings := sameJSON(existing.Settings, s.settings)
		if sameMessages && sameSettings {
			s.logger.Debug("Session unchanged, skipping save", zap.String("session_id", s.activeID))
			return nil
		}
		if sameMessages {
			session.Timestamp = existing.Timestamp
		} else {
			delete(s.cached, s.activeID)
		}
		s.sessions[i] = session
	} else {
		s.sessions = append(s.sessions, session)
	}
	sortSessions(s.sessions)

	return s.writeLocked(ctx)
}

// writeLocked persists the session list with old images pruned, and the
// active id pointer.
func (s *Store) writeLocked(ctx context.Context) error {
	s.cacheImagesLocked()

	pruned := ApplyImageCachePolicy(s.sessions, s.retain)
	if err := s.kv.SetJSON(ctx, repository.KeyChatHistory, pruned); err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			s.logger.Warn("Chat history exceeds storage quota", zap.Int("sessions", len(pruned)))
		}
		return fmt.Errorf("failed to write chat history: %w", err)
	}
	return s.writeActiveLocked(ctx)
}

func (s *Store) writeActiveLocked(ctx context.Context) error {
	if s.activeID == "" {
		return s.kv.Remove(ctx, repository.KeyActiveSessionID)
	}
	return s.kv.Set(ctx, repository.KeyActiveSessionID, s.activeID)
}

// cacheImagesLocked copies the image payloads of sessions about to be pruned
// into the image cache so they can be restored on load.
func (s *Store) cacheImagesLocked() {
	if s.images == nil {
		return
	}
	for i := s.retain; i < len(s.sessions); i++ {
		sess := s.sessions[i]
		if s.cached[sess.ID] {
			continue
		}
		for _, m := range sess.Messages {
			for _, f := range m.Files {
				if f.DataURL == "" {
					continue
				}
				if err := s.images.Put(sess.ID, f.ID, f.DataURL); err != nil {
					logging.Error(s.logger, "Failed to cache image", err,
						zap.String("session_id", sess.ID), zap.String("file_id", f.ID))
				}
			}
		}
		s.cached[sess.ID] = true
	}
}

// LoadSession makes id the active conversation. An unknown id starts a
// fresh chat instead; ok reports which happened.
func (s *Store) LoadSession(ctx context.Context, id string) (Conversation, bool, error) {
	if err := s.Flush(ctx); err != nil {
		logging.Error(s.logger, "Failed to save session before switching", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexLocked(id) < 0 {
		s.logger.Info("Session not found, starting new chat", zap.String("session_id", id))
		s.startNewLocked(ctx)
		return s.currentLocked(), false, nil
	}
	if err := s.loadLocked(ctx, id); err != nil {
		return s.currentLocked(), true, err
	}
	return s.currentLocked(), true, nil
}

// loadLocked restores cached images and closes out messages left loading by
// an interrupted generation, then activates the session.
func (s *Store) loadLocked(ctx context.Context, id string) error {
	i := s.indexLocked(id)
	sess := &s.sessions[i]

	var images map[string]string
	if s.images != nil {
		var err error
		if images, err = s.images.Session(id); err != nil {
			logging.Error(s.logger, "Failed to read cached images", err, zap.String("session_id", id))
		}
	}

	now := s.clock.Now()
	for m := range sess.Messages {
		msg := &sess.Messages[m]
		if msg.IsLoading {
			msg.Finish(now)
		}
		for f := range msg.Files {
			file := &msg.Files[f]
			if file.DataURL == "" {
				if url, ok := images[file.ID]; ok {
					file.DataURL = url
				}
			}
		}
	}

	s.activeID = id
	s.messages = cloneMessages(sess.Messages)
	s.settings = sess.Settings
	return s.writeActiveLocked(ctx)
}

// StartNewChat clears the active conversation, optionally saving it first.
// Settings reset to the current app-wide defaults.
func (s *Store) StartNewChat(ctx context.Context, saveCurrentFirst bool) error {
	if saveCurrentFirst {
		if err := s.Flush(ctx); err != nil {
			return err
		}
	} else {
		s.debounce.Cancel()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.startNewLocked(ctx)
	return nil
}

func (s *Store) startNewLocked(ctx context.Context) {
	s.activeID = ""
	s.messages = nil
	s.settings = s.defaults()
	if err := s.kv.Remove(ctx, repository.KeyActiveSessionID); err != nil {
		logging.Error(s.logger, "Failed to clear active session", err)
	}
}

// DeleteSession removes id. If it was active, the next most recent session
// is loaded, or a fresh chat started when none remain.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: session %s", domain.ErrNotFound, id)
	}
	s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
	delete(s.cached, id)
	if s.images != nil {
		if err := s.images.DeleteSession(id); err != nil {
			logging.Error(s.logger, "Failed to evict cached images", err, zap.String("session_id", id))
		}
	}

	if id == s.activeID {
		s.debounce.Cancel()
		if len(s.sessions) > 0 {
			if err := s.loadLocked(ctx, s.sessions[0].ID); err != nil {
				return err
			}
		} else {
			s.startNewLocked(ctx)
		}
	}

	s.logger.Info("Session deleted", zap.String("session_id", id))
	return s.writeLocked(ctx)
}

// ClearAllHistory drops every session and starts a fresh chat.
func (s *Store) ClearAllHistory(ctx context.Context) error {
	s.debounce.Cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = nil
	s.cached = make(map[string]bool)
	if err := s.kv.Remove(ctx, repository.KeyChatHistory); err != nil {
		return fmt.Errorf("failed to clear chat history: %w", err)
	}
	if s.images != nil {
		if err := s.images.Clear(); err != nil {
			logging.Error(s.logger, "Failed to clear image cache", err)
		}
	}
	s.startNewLocked(ctx)

	s.logger.Info("Chat history cleared")
	return nil
}

// Sessions returns copies of all saved sessions, most recent first.
func (s *Store) Sessions() []domain.SavedChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SavedChatSession, len(s.sessions))
	for i, sess := range s.sessions {
		out[i] = cloneSession(sess)
	}
	return out
}

// Session returns a copy of one saved session.
func (s *Store) Session(id string) (domain.SavedChatSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return cloneSession(s.sessions[i]), true
	}
	return domain.SavedChatSession{}, false
}

// Current returns a copy of the active conversation.
func (s *Store) Current() Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked()
}

func (s *Store) currentLocked() Conversation {
	return Conversation{
		SessionID: s.activeID,
		Messages:  cloneMessages(s.messages),
		Settings:  s.settings,
	}
}

// UpdateMessages applies fn to the messages of sessionID. The active
// conversation goes through the debounced save; a background session is
// written immediately.
func (s *Store) UpdateMessages(ctx context.Context, sessionID string, fn func([]domain.ChatMessage) []domain.ChatMessage) error {
	s.mu.Lock()
	if sessionID != "" && sessionID == s.activeID {
		s.messages = fn(cloneMessages(s.messages))
		s.mu.Unlock()
		s.debounce.Trigger(s.persistDebounced)
		return nil
	}
	defer s.mu.Unlock()

	i := s.indexLocked(sessionID)
	if i < 0 {
		return fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	sess := &s.sessions[i]
	updated := fn(cloneMessages(sess.Messages))
	if sameJSON(sess.Messages, updated) {
		return nil
	}
	sess.Messages = updated
	delete(s.cached, sessionID)
	sess.Title = domain.DeriveTitle(updated)
	sess.Timestamp = s.clock.Now()
	sortSessions(s.sessions)
	return s.writeLocked(ctx)
}

// PendingSave reports whether a debounced save is scheduled.
func (s *Store) PendingSave() bool {
	return s.debounce.Pending()
}

func (s *Store) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.sessions {
		if s.sessions[i].ID == id {
			return i
		}
	}
	return -1
}

func sortSessions(sessions []domain.SavedChatSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].Timestamp.After(sessions[j].Timestamp)
	})
}

// sameJSON compares two values by their stored form, which is what the
// persisted copy is compared against after a reload.
func sameJSON(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
