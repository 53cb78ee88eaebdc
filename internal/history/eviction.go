package history

import "github.com/liliang-cn/modelchat/internal/domain"

// DefaultImageRetainSessions is how many of the most recent sessions keep
// their inline image payloads when persisted.
const DefaultImageRetainSessions = 5

// ApplyImageCachePolicy returns a deep copy of sessions, which must be sorted
// most recent first, with inline image payloads stripped from every file of
// every session after the first retain. Order, count and all other fields are
// unchanged. The input is never modified.
func ApplyImageCachePolicy(sessions []domain.SavedChatSession, retain int) []domain.SavedChatSession {
	if retain < 0 {
		retain = 0
	}
	out := make([]domain.SavedChatSession, len(sessions))
	for i, s := range sessions {
		out[i] = cloneSession(s)
		if i < retain {
			continue
		}
		for m := range out[i].Messages {
			for f := range out[i].Messages[m].Files {
				file := &out[i].Messages[m].Files[f]
				file.DataURL = ""
				file.Base64Data = ""
			}
		}
	}
	return out
}

func cloneSession(s domain.SavedChatSession) domain.SavedChatSession {
	s.Messages = cloneMessages(s.Messages)
	return s
}

func cloneMessages(msgs []domain.ChatMessage) []domain.ChatMessage {
	if msgs == nil {
		return nil
	}
	out := make([]domain.ChatMessage, len(msgs))
	for i, m := range msgs {
		if m.Files != nil {
			m.Files = append([]domain.UploadedFile(nil), m.Files...)
		}
		if m.Grounding != nil {
			g := *m.Grounding
			m.Grounding = &g
		}
		out[i] = m
	}
	return out
}
