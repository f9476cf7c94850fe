// Package memory keeps per-session conversation history for multi-turn chat.
package memory

import (
	"sync"
	"time"

	"github.com/knoguchi/ernie/pkg/chat"
)

// Message represents a single message in a conversation.
type Message struct {
	Role      chat.Role
	Content   string
	Timestamp time.Time
}

// Conversation holds the message history for a session.
type Conversation struct {
	Messages  []Message
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store provides in-memory conversation storage.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	maxMessages   int           // Max messages per conversation
	ttl           time.Duration // Time-to-live for conversations
	now           func() time.Time
	stop          chan struct{}
	stopOnce      sync.Once
}

// NewStore creates a new conversation memory store. Call Close to stop the
// background cleanup.
func NewStore(maxMessages int, ttl time.Duration) *Store {
	s := &Store{
		conversations: make(map[string]*Conversation),
		maxMessages:   maxMessages,
		ttl:           ttl,
		now:           time.Now,
		stop:          make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// DefaultStore creates a store with sensible defaults.
// - Max 20 messages per conversation (10 turns)
// - 1 hour TTL (session expires after 1 hour of inactivity)
func DefaultStore() *Store {
	return NewStore(20, 1*time.Hour)
}

// AddExchange records the caller's turn and the reply to it together, so a
// failed call never leaves a dangling user turn behind. A turn may carry
// several messages when the caller sends part of the conversation itself.
func (s *Store) AddExchange(sessionID string, turn []chat.Message, answer string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	conv, exists := s.conversations[sessionID]
	if !exists {
		conv = &Conversation{
			Messages:  make([]Message, 0, len(turn)+1),
			CreatedAt: now,
		}
		s.conversations[sessionID] = conv
	}

	for _, m := range turn {
		conv.Messages = append(conv.Messages, Message{Role: m.Role, Content: m.Content, Timestamp: now})
	}
	conv.Messages = append(conv.Messages, Message{Role: chat.RoleAssistant, Content: answer, Timestamp: now})
	conv.UpdatedAt = now

	// Trim old messages if exceeding max (keep recent ones). The provider
	// expects a conversation to open with a user turn.
	if len(conv.Messages) > s.maxMessages {
		conv.Messages = conv.Messages[len(conv.Messages)-s.maxMessages:]
	}
	for len(conv.Messages) > 0 && conv.Messages[0].Role != chat.RoleUser {
		conv.Messages = conv.Messages[1:]
	}
}

// GetHistory returns the conversation history for a session.
// Returns nil if session doesn't exist.
func (s *Store) GetHistory(sessionID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[sessionID]
	if !exists {
		return nil
	}

	// Return a copy to avoid race conditions
	messages := make([]Message, len(conv.Messages))
	copy(messages, conv.Messages)
	return messages
}

// ChatMessages returns the history as chat messages, ready to be followed by
// a new user turn.
func (s *Store) ChatMessages(sessionID string) []chat.Message {
	history := s.GetHistory(sessionID)
	messages := make([]chat.Message, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, chat.Message{Role: m.Role, Content: m.Content})
	}
	return messages
}

// ClearSession removes a conversation from memory.
func (s *Store) ClearSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, sessionID)
}

// Close stops the cleanup goroutine.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// cleanupLoop periodically removes expired conversations.
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stop:
			return
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, conv := range s.conversations {
		if now.Sub(conv.UpdatedAt) > s.ttl {
			delete(s.conversations, id)
		}
	}
}
