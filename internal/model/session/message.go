package session

import (
	"encoding/json"
	"time"
)

// LogKind classifies a channel log entry.
type LogKind string

const (
	LogInfo    LogKind = "info"
	LogError   LogKind = "error"
	LogSend    LogKind = "send"
	LogReceive LogKind = "receive"
)

// LogEntry records a lifecycle, send or receive event. Entries are never mutated.
type LogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      LogKind   `json:"kind"`
	Message   string    `json:"message"`
}

// Sender identifies who authored a timeline message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// MessageAction is a server-declared affordance attached to a message.
type MessageAction struct {
	Name        string          `json:"name"`
	Event       EventType       `json:"event"`
	Value       json.RawMessage `json:"value,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ValueString returns the action value as text, unquoting JSON strings.
func (a MessageAction) ValueString() string {
	if len(a.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(a.Value, &s); err == nil {
		return s
	}
	return string(a.Value)
}

// ChatMessage is one entry of the conversation timeline.
type ChatMessage struct {
	ID        string          `json:"id"`
	Sender    Sender          `json:"sender"`
	Content   string          `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
	Actions   []MessageAction `json:"actions,omitempty"`
	ExtraMsg  json.RawMessage `json:"extraMsg,omitempty"`
}

// ChatSessionInfo identifies the logical conversation multiplexed on the channel.
type ChatSessionInfo struct {
	ChatID    string `json:"chatId"`
	SessionID string `json:"sessionId"`
}
