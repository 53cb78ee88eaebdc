package domain

import (
	"strings"
	"time"
)

// Message roles
const (
	RoleUser  = "user"
	RoleModel = "model"
	RoleError = "error"
)

// DefaultSessionTitle is used when nothing better can be derived.
const DefaultSessionTitle = "New Chat"

const titleMaxWords = 7

// ChatMessage is one turn in a conversation. Order within a session is the
// slice order, not the timestamp.
type ChatMessage struct {
	ID                  string             `json:"id"`
	Role                string             `json:"role"`
	Content             string             `json:"content"`
	Files               []UploadedFile     `json:"files,omitempty"`
	Timestamp           time.Time          `json:"timestamp"`
	GenerationStartTime *time.Time         `json:"generationStartTime,omitempty"`
	GenerationEndTime   *time.Time         `json:"generationEndTime,omitempty"`
	PromptTokens        int                `json:"promptTokens,omitempty"`
	CompletionTokens    int                `json:"completionTokens,omitempty"`
	TotalTokens         int                `json:"totalTokens,omitempty"`
	Thoughts            string             `json:"thoughts,omitempty"`
	IsLoading           bool               `json:"isLoading,omitempty"`
	Cancelled           bool               `json:"cancelled,omitempty"`
	Grounding           *GroundingMetadata `json:"groundingMetadata,omitempty"`
}

// Finish ends a loading message. It is a no-op once the end time is set, so
// the end time is written exactly once.
func (m *ChatMessage) Finish(at time.Time) {
	if m.GenerationEndTime != nil {
		m.IsLoading = false
		return
	}
	m.IsLoading = false
	m.GenerationEndTime = &at
}

// ChatSettings is the per-session generation settings snapshot.
type ChatSettings struct {
	ModelID           string  `json:"modelId"`
	Temperature       float64 `json:"temperature"`
	TopP              float64 `json:"topP"`
	ThinkingBudget    int     `json:"thinkingBudget"`
	ShowThoughts      bool    `json:"showThoughts"`
	SystemInstruction string  `json:"systemInstruction,omitempty"`
	GoogleSearch      bool    `json:"isGoogleSearchEnabled,omitempty"`
	CodeExecution     bool    `json:"isCodeExecutionEnabled,omitempty"`
	URLContext        bool    `json:"isUrlContextEnabled,omitempty"`
}

// SavedChatSession is a persisted conversation.
type SavedChatSession struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Timestamp time.Time     `json:"timestamp"`
	Messages  []ChatMessage `json:"messages"`
	Settings  ChatSettings  `json:"settings"`
}

// DeriveTitle picks a session title: the first non-empty user message cut to
// seven words, else the first attached file name, else DefaultSessionTitle.
func DeriveTitle(messages []ChatMessage) string {
	for _, m := range messages {
		if m.Role != RoleUser {
			continue
		}
		words := strings.Fields(m.Content)
		if len(words) == 0 {
			continue
		}
		if len(words) > titleMaxWords {
			return strings.Join(words[:titleMaxWords], " ") + "..."
		}
		return strings.Join(words, " ")
	}
	for _, m := range messages {
		if m.Role == RoleUser && len(m.Files) > 0 && m.Files[0].Name != "" {
			return m.Files[0].Name
		}
	}
	return DefaultSessionTitle
}

// SendRequest is what the UI submits to start a generation.
type SendRequest struct {
	SessionID string   `json:"session_id,omitempty"`
	Message   string   `json:"message"`
	FileIDs   []string `json:"file_ids,omitempty"`
	Priority  int      `json:"priority,omitempty"`
}

// SendResponse identifies the messages created for a send.
type SendResponse struct {
	SessionID      string `json:"session_id"`
	UserMessageID  string `json:"user_message_id"`
	ModelMessageID string `json:"model_message_id"`
}

// StreamChunk is one server-sent event on the direct streaming endpoint.
type StreamChunk struct {
	Type      string             `json:"type"` // thinking, content, done, error
	Content   string             `json:"content,omitempty"`
	Usage     *UsageMetadata     `json:"usage,omitempty"`
	Grounding *GroundingMetadata `json:"grounding,omitempty"`
}
