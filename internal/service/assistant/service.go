package assistant

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/assistant-harness/backend/internal/model/chat"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrEmptyMessage         = errors.New("message content is required")
)

// Options 配置模拟助手行为
type Options struct {
	Greeting string

	// RenewEvery rotates the session id after every N user turns; 0 disables.
	RenewEvery int
}

// Service keeps mock assistant conversations in memory for the lifetime of
// the process.
type Service struct {
	opts Options

	mu            sync.RWMutex
	conversations map[string]chat.Conversation
	bySession     map[string]string
	messages      map[string][]chat.Message
	userTurns     map[string]int
}

// NewService bootstraps the in-memory assistant.
func NewService(opts Options) *Service {
	if opts.Greeting == "" {
		opts.Greeting = "Hello! How can I help you today?"
	}
	return &Service{
		opts:          opts,
		conversations: make(map[string]chat.Conversation),
		bySession:     make(map[string]string),
		messages:      make(map[string][]chat.Message),
		userTurns:     make(map[string]int),
	}
}

func (s *Service) Greeting() string {
	return s.opts.Greeting
}

// CreateConversation provisions a conversation with fresh chat and session ids.
func (s *Service) CreateConversation(_ context.Context, language, platform string) (chat.Conversation, error) {
	conv := chat.Conversation{
		ChatID:    uuid.NewString(),
		SessionID: uuid.NewString(),
		Language:  language,
		Platform:  platform,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.conversations[conv.ChatID] = conv
	s.bySession[conv.SessionID] = conv.ChatID
	s.messages[conv.ChatID] = make([]chat.Message, 0, 16)
	s.mu.Unlock()

	return conv, nil
}

// ResumeConversation looks a conversation up by its current session id.
func (s *Service) ResumeConversation(_ context.Context, sessionID string) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chatID, ok := s.bySession[sessionID]
	if !ok {
		return chat.Conversation{}, ErrConversationNotFound
	}
	return s.conversations[chatID], nil
}

// GetConversation retrieves a conversation by chat id.
func (s *Service) GetConversation(_ context.Context, chatID string) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[chatID]
	if !ok {
		return chat.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

// RenewSession rotates the session id. The previous id stops resolving.
func (s *Service) RenewSession(_ context.Context, chatID string) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[chatID]
	if !ok {
		return chat.Conversation{}, ErrConversationNotFound
	}
	delete(s.bySession, conv.SessionID)
	conv.SessionID = uuid.NewString()
	s.conversations[chatID] = conv
	s.bySession[conv.SessionID] = chatID
	return conv, nil
}

// SetLanguage switches the conversation language.
func (s *Service) SetLanguage(_ context.Context, chatID, language string) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[chatID]
	if !ok {
		return chat.Conversation{}, ErrConversationNotFound
	}
	conv.Language = language
	s.conversations[chatID] = conv
	return conv, nil
}

// SaveMessage appends a message to the conversation history.
func (s *Service) SaveMessage(_ context.Context, message chat.Message) (chat.Message, error) {
	if strings.TrimSpace(message.Content) == "" {
		return chat.Message{}, ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[message.ChatID]; !ok {
		return chat.Message{}, ErrConversationNotFound
	}

	message.ID = uuid.NewString()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	s.messages[message.ChatID] = append(s.messages[message.ChatID], message)
	if message.Direction == chat.DirectionTo {
		s.userTurns[message.ChatID]++
	}
	return message, nil
}

// LoadTranscript returns stored messages for the provided conversation.
func (s *Service) LoadTranscript(_ context.Context, chatID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[chatID]
	if !ok {
		return nil, ErrConversationNotFound
	}

	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

// Rate records feedback on an assistant message.
func (s *Service) Rate(_ context.Context, chatID, messageID string, helpful bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages, ok := s.messages[chatID]
	if !ok {
		return ErrConversationNotFound
	}
	for i := range messages {
		if messages[i].ID == messageID {
			messages[i].Helpful = &helpful
			return nil
		}
	}
	return ErrMessageNotFound
}

// EndConversation forgets the conversation and its history.
func (s *Service) EndConversation(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[chatID]
	if !ok {
		return ErrConversationNotFound
	}
	delete(s.bySession, conv.SessionID)
	delete(s.conversations, chatID)
	delete(s.messages, chatID)
	delete(s.userTurns, chatID)
	return nil
}

// renewDue reports whether the user turn count hit the rotation interval.
func (s *Service) renewDue(chatID string) bool {
	if s.opts.RenewEvery <= 0 {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.userTurns[chatID]
	return turns > 0 && turns%s.opts.RenewEvery == 0
}
