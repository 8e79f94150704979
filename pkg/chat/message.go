package chat

import (
	"time"

	"github.com/pkg/errors"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation. Content of an assistant message
// grows while Streaming is true and is frozen once Streaming turns false.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Streaming bool      `json:"streaming"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationState is the renderable state of a session.
type ConversationState struct {
	SessionID string `json:"session_id"`
	// Version increases by one on every mutation.
	Version     uint64    `json:"version"`
	Phase       Phase     `json:"phase"`
	LastOutcome Outcome   `json:"last_outcome"`
	LastError   ErrorKind `json:"last_error"`
	Messages    []Message `json:"messages"`
}

// Clone returns a deep copy safe to hand to observers.
func (s ConversationState) Clone() ConversationState {
	out := s
	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		copy(out.Messages, s.Messages)
	}
	return out
}

// Last returns the last message, if any.
func (s ConversationState) Last() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// LastAssistant returns the most recent assistant message, if any.
func (s ConversationState) LastAssistant() (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

// IsStreaming reports whether an assistant reply is still being assembled.
func (s ConversationState) IsStreaming() bool {
	last, ok := s.Last()
	return ok && last.Streaming
}

// Validate checks the streaming invariants: at most one streaming message,
// and only in last position.
func (s ConversationState) Validate() error {
	for i, m := range s.Messages {
		if !m.Streaming {
			continue
		}
		if i != len(s.Messages)-1 {
			return errors.Errorf("message %d (%s) is streaming but not last", i, m.ID)
		}
		if m.Role != RoleAssistant {
			return errors.Errorf("message %d (%s) is streaming with role %s", i, m.ID, m.Role)
		}
	}
	return nil
}
