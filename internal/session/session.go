// Package session keeps the in-memory conversation for one analysis. Only
// the originating history record is durable; the conversation itself lives
// for the lifetime of the session.
package session

import (
	"sync"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	// visibleWindow bounds how many messages are rendered; follow-up
	// requests always carry the full transcript.
	visibleWindow = 50
)

// Message is one conversation turn. Immutable once created.
type Message struct {
	ID   string `json:"id"`
	Role string `json:"role"`
	Text string `json:"text"`
}

type Session struct {
	mu       sync.Mutex
	messages []Message
}

func New() *Session {
	return &Session{}
}

// Seed places the initial analysis summary as the first assistant message.
// Idempotent: only seeds an empty session.
func (s *Session) Seed(summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) > 0 {
		return
	}
	s.messages = append(s.messages, Message{
		ID:   uuid.NewString(),
		Role: RoleAssistant,
		Text: summary,
	})
}

func (s *Session) AddUser(text string) Message {
	return s.add(RoleUser, text)
}

func (s *Session) AddAssistant(text string) Message {
	return s.add(RoleAssistant, text)
}

func (s *Session) add(role, text string) Message {
	msg := Message{ID: uuid.NewString(), Role: role, Text: text}
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	return msg
}

// All returns the full transcript in order.
func (s *Session) All() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Visible returns at most the newest 50 messages, for rendering only.
func (s *Session) Visible() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := 0
	if len(s.messages) > visibleWindow {
		start = len(s.messages) - visibleWindow
	}
	out := make([]Message, len(s.messages)-start)
	copy(out, s.messages[start:])
	return out
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}
