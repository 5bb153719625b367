package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/assistant-harness/backend/internal/model/session"
)

// Status is the lifecycle state of the duplex channel.
type Status string

const (
	StatusIdle       Status = "IDLE"
	StatusConnecting Status = "CONNECTING"
	StatusOpen       Status = "OPEN"
	StatusClosed     Status = "CLOSED"
)

// Snapshot is an immutable copy of the conversation and log state.
type Snapshot struct {
	Status       Status                   `json:"status"`
	Messages     []session.ChatMessage    `json:"messages"`
	ChatInfo     *session.ChatSessionInfo `json:"chatInfo"`
	Logs         []session.LogEntry       `json:"logs"`
	Transcribing bool                     `json:"transcribing"`
}

// Timeline 保存会话时间线与日志，并向订阅者推送最新快照
type Timeline struct {
	mu      sync.RWMutex
	state   Snapshot
	subs    map[int]chan Snapshot
	nextSub int
	now     func() time.Time
}

// NewTimeline creates an empty timeline in the IDLE state.
func NewTimeline(now func() time.Time) *Timeline {
	if now == nil {
		now = time.Now
	}
	return &Timeline{
		state: Snapshot{Status: StatusIdle},
		subs:  make(map[int]chan Snapshot),
		now:   now,
	}
}

// Snapshot returns a deep copy of the current state.
func (t *Timeline) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.copyLocked()
}

// Subscribe returns a channel that always holds the most recent snapshot.
// Slow readers skip intermediate states. The returned func unsubscribes.
func (t *Timeline) Subscribe() (<-chan Snapshot, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSub
	t.nextSub++
	ch := make(chan Snapshot, 1)
	ch <- t.copyLocked()
	t.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.subs, id)
			close(ch)
		})
	}
}

func (t *Timeline) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.Status
}

func (t *Timeline) SetStatus(status Status) {
	t.update(func(s *Snapshot) { s.Status = status })
}

// AppendLog records a log entry and returns it.
func (t *Timeline) AppendLog(kind session.LogKind, message string) session.LogEntry {
	entry := session.LogEntry{
		ID:        uuid.NewString(),
		Timestamp: t.now(),
		Kind:      kind,
		Message:   message,
	}
	t.update(func(s *Snapshot) { s.Logs = append(s.Logs, entry) })
	return entry
}

// AppendMessage adds a message to the conversation timeline.
func (t *Timeline) AppendMessage(sender session.Sender, content string, actions []session.MessageAction, extra json.RawMessage) session.ChatMessage {
	return t.AppendMessageAt(sender, content, t.now(), actions, extra)
}

// AppendMessageAt is AppendMessage with an explicit timestamp (history replay).
func (t *Timeline) AppendMessageAt(sender session.Sender, content string, ts time.Time, actions []session.MessageAction, extra json.RawMessage) session.ChatMessage {
	msg := session.ChatMessage{
		ID:        uuid.NewString(),
		Sender:    sender,
		Content:   content,
		Timestamp: ts,
		Actions:   actions,
		ExtraMsg:  extra,
	}
	t.update(func(s *Snapshot) { s.Messages = append(s.Messages, msg) })
	return msg
}

func (t *Timeline) SetChatInfo(info session.ChatSessionInfo) {
	t.update(func(s *Snapshot) { s.ChatInfo = &info })
}

// UpdateSessionID replaces the session id, keeping the chat id when known.
func (t *Timeline) UpdateSessionID(sessionID string) {
	t.update(func(s *Snapshot) {
		info := session.ChatSessionInfo{SessionID: sessionID}
		if s.ChatInfo != nil {
			info.ChatID = s.ChatInfo.ChatID
		}
		s.ChatInfo = &info
	})
}

func (t *Timeline) SetTranscribing(on bool) {
	t.mu.RLock()
	unchanged := t.state.Transcribing == on
	t.mu.RUnlock()
	if unchanged {
		return
	}
	t.update(func(s *Snapshot) { s.Transcribing = on })
}

func (t *Timeline) ClearLogs() {
	t.update(func(s *Snapshot) { s.Logs = nil })
}

func (t *Timeline) ClearMessages() {
	t.update(func(s *Snapshot) { s.Messages = nil })
}

// ClearConversation drops every message and the chat session identifiers.
func (t *Timeline) ClearConversation() {
	t.update(func(s *Snapshot) {
		s.Messages = nil
		s.ChatInfo = nil
		s.Transcribing = false
	})
}

func (t *Timeline) update(mutate func(*Snapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	mutate(&t.state)
	if len(t.subs) == 0 {
		return
	}
	snap := t.copyLocked()
	for _, ch := range t.subs {
		select {
		case ch <- snap:
		default:
			// 丢弃旧快照，只保留最新状态
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func (t *Timeline) copyLocked() Snapshot {
	out := Snapshot{
		Status:       t.state.Status,
		Messages:     append([]session.ChatMessage{}, t.state.Messages...),
		Logs:         append([]session.LogEntry{}, t.state.Logs...),
		Transcribing: t.state.Transcribing,
	}
	if t.state.ChatInfo != nil {
		info := *t.state.ChatInfo
		out.ChatInfo = &info
	}
	return out
}
