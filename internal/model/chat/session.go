package chat

import "time"

// Conversation is one logical chat held by the mock assistant. The session id
// rotates on renewal while the chat id stays fixed.
type Conversation struct {
	ChatID    string    `json:"chatId"`
	SessionID string    `json:"sessionId"`
	Language  string    `json:"language"`
	Platform  string    `json:"platform"`
	CreatedAt time.Time `json:"createdAt"`
}
