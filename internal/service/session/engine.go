package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/assistant-harness/backend/internal/model/session"
)

var (
	ErrAlreadyConnected = errors.New("channel already connected")
	ErrNotOpen          = errors.New("channel is not open")
	ErrEmptyPayload     = errors.New("payload is empty")
)

// Option customizes an Engine.
type Option func(*Engine)

// WithClearOnClose controls whether a channel close wipes the conversation
// timeline and chat session identifiers. Enabled by default.
func WithClearOnClose(enabled bool) Option {
	return func(e *Engine) {
		e.clearOnClose = enabled
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine owns one duplex channel and the conversation state derived from it.
//
// Every transition and every outbound write happens under mu, so handling one
// inbound frame (including any reply it triggers) is atomic with respect to
// user sends, and call order is wire order.
type Engine struct {
	dialer       Dialer
	clearOnClose bool
	now          func() time.Time
	timeline     *Timeline

	mu      sync.Mutex
	conn    Conn
	dialing context.CancelFunc
}

// NewEngine 创建会话协议引擎
func NewEngine(dialer Dialer, opts ...Option) *Engine {
	e := &Engine{
		dialer:       dialer,
		clearOnClose: true,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.timeline = NewTimeline(e.now)
	return e
}

func (e *Engine) Snapshot() Snapshot {
	return e.timeline.Snapshot()
}

func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	return e.timeline.Subscribe()
}

func (e *Engine) ClearLogs() {
	e.timeline.ClearLogs()
}

func (e *Engine) ClearMessages() {
	e.timeline.ClearMessages()
}

// Connect dials the channel described by cfg. It is rejected while another
// channel handle exists. A dial failure runs the close path.
func (e *Engine) Connect(ctx context.Context, cfg session.ChannelConfig) error {
	e.mu.Lock()
	if e.conn != nil || e.dialing != nil {
		e.logf(session.LogError, "connect rejected: a channel is already %s", strings.ToLower(string(e.timeline.Status())))
		e.mu.Unlock()
		return ErrAlreadyConnected
	}

	target, err := BuildURL(cfg)
	if err != nil {
		e.logf(session.LogError, "connect rejected: %v", err)
		e.mu.Unlock()
		return err
	}

	dialCtx, cancel := context.WithCancel(ctx)
	e.dialing = cancel
	e.timeline.SetStatus(StatusConnecting)
	e.logf(session.LogInfo, "connecting to %s", Redact(target))
	e.mu.Unlock()

	conn, dialErr := e.dialer.Dial(dialCtx, target)

	e.mu.Lock()
	e.dialing = nil
	cancelled := dialCtx.Err()
	cancel()
	if dialErr != nil {
		e.logf(session.LogError, "channel error: %v", dialErr)
		e.closeLocked(CloseAbnormal, dialErr.Error())
		e.mu.Unlock()
		return fmt.Errorf("connect: %w", dialErr)
	}
	if cancelled != nil {
		// Disconnect 在拨号完成前到达，丢弃刚建立的通道
		e.closeLocked(CloseNormal, "disconnected while connecting")
		e.mu.Unlock()
		if err := conn.Close(); err != nil {
			log.Printf("[session] close abandoned channel: %v", err)
		}
		return fmt.Errorf("connect: %w", cancelled)
	}
	e.conn = conn
	e.timeline.SetStatus(StatusOpen)
	e.logf(session.LogInfo, "channel open")
	e.mu.Unlock()

	conn.Listen(&listener{engine: e, conn: conn})
	return nil
}

// Disconnect closes the channel. State moves to CLOSED when the close
// event arrives. A pending dial is cancelled.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	conn, cancel := e.conn, e.dialing
	if conn != nil || cancel != nil {
		e.logf(session.LogInfo, "disconnect requested")
	}
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		return nil
	}
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// SendMessage writes payload verbatim and echoes it optimistically to the
// timeline. display overrides the echoed text.
func (e *Engine) SendMessage(payload string, display ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireOpenLocked(); err != nil {
		return err
	}
	if strings.TrimSpace(payload) == "" {
		e.logf(session.LogError, "send rejected: empty payload")
		return ErrEmptyPayload
	}
	if err := e.sendLocked(payload); err != nil {
		return err
	}

	text, event, echo := displayFor(payload)
	if len(display) > 0 {
		text, echo = display[0], true
	}
	if echo {
		e.timeline.AppendMessage(session.SenderUser, text, nil, nil)
	}
	if event == session.EventAudio {
		e.timeline.SetTranscribing(true)
	}
	return nil
}

// SendAction sends the payload for a message action. The timeline is not touched.
func (e *Engine) SendAction(action session.MessageAction, messageID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireOpenLocked(); err != nil {
		return err
	}
	payload, err := ActionPayload(action, messageID)
	if err != nil {
		e.logf(session.LogError, "build %s action: %v", action.Event, err)
		return err
	}
	return e.sendLocked(payload)
}

func (e *Engine) requireOpenLocked() error {
	if e.conn == nil || e.timeline.Status() != StatusOpen {
		e.logf(session.LogError, "send rejected: channel is not open")
		return ErrNotOpen
	}
	return nil
}

func (e *Engine) sendLocked(payload string) error {
	if err := e.conn.Send(payload); err != nil {
		e.logf(session.LogError, "send failed: %v", err)
		return fmt.Errorf("send: %w", err)
	}
	e.timeline.AppendLog(session.LogSend, payload)
	return nil
}

func (e *Engine) closeLocked(code int, reason string) {
	e.conn = nil
	e.timeline.SetStatus(StatusClosed)
	e.logf(session.LogInfo, "channel closed (code=%d reason=%q)", code, reason)
	if e.clearOnClose {
		e.timeline.ClearConversation()
	} else {
		e.timeline.SetTranscribing(false)
	}
}

// logf appends a log entry; lifecycle entries are mirrored to the process log.
func (e *Engine) logf(kind session.LogKind, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	e.timeline.AppendLog(kind, msg)
	log.Printf("[session] %s: %s", kind, msg)
}

// listener binds transport callbacks to the connection they came from so
// late events of a replaced channel are ignored.
type listener struct {
	engine *Engine
	conn   Conn
}

func (l *listener) OnMessage(data string) {
	e := l.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != l.conn {
		return
	}
	e.handleMessageLocked(data)
}

func (l *listener) OnError(err error) {
	e := l.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != l.conn {
		return
	}
	e.logf(session.LogError, "channel error: %v", err)
}

func (l *listener) OnClose(code int, reason string) {
	e := l.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != l.conn {
		return
	}
	e.closeLocked(code, reason)
}

type inboundHandler func(e *Engine, env session.Envelope, raw string)

var inboundHandlers = map[session.EventType]inboundHandler{
	session.EventMessage:          (*Engine).onMessage,
	session.EventLiveAgentMessage: (*Engine).onMessage,
	session.EventRenewToken:       (*Engine).onRenewToken,
	session.EventHistoryMessage:   (*Engine).onHistory,
	session.EventSessionLanguage:  (*Engine).onSessionLanguage,
	session.EventAudio:            (*Engine).onTranscript,
	session.EventError:            (*Engine).onServerError,
	session.EventAlert:            (*Engine).onNotice,
	session.EventAssistance:       (*Engine).onNotice,
	session.EventRate:             (*Engine).onNotice,
	session.EventUserRateReply:    (*Engine).onNotice,
	session.EventEndSession:       (*Engine).onNotice,
	session.EventLanguage:         (*Engine).onNotice,
	session.EventAuth:             (*Engine).onAck,
	session.EventDeleteAudio:      (*Engine).onAck,
	session.EventNavigate:         (*Engine).onAck,
}

func (e *Engine) handleMessageLocked(raw string) {
	e.timeline.AppendLog(session.LogReceive, raw)
	e.timeline.SetTranscribing(false)

	var env session.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		e.timeline.AppendMessage(session.SenderAgent, raw, nil, nil)
		return
	}

	handle, ok := inboundHandlers[env.Event]
	if !ok {
		e.logf(session.LogError, "unknown event %q dropped", env.Event)
		return
	}
	handle(e, env, raw)
}

func (e *Engine) onMessage(env session.Envelope, raw string) {
	var data session.MessageData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		text := displayText(env.Data)
		if text == "" {
			text = raw
		}
		e.timeline.AppendMessage(session.SenderAgent, text, nil, nil)
		return
	}

	if data.Type == "to" {
		e.timeline.SetChatInfo(session.ChatSessionInfo{ChatID: data.ChatID, SessionID: data.ID})
		e.logf(session.LogInfo, "chat session acknowledged (chatId=%s sessionId=%s)", data.ChatID, data.ID)
		return
	}

	content := data.Message
	if content == "" {
		content = raw
	}
	e.timeline.AppendMessage(session.SenderAgent, content, data.Actions, data.ExtraMsg)
}

// onRenewToken adopts the rotated session id and answers with AUTH in the
// same handling step.
func (e *Engine) onRenewToken(env session.Envelope, _ string) {
	sessionID := renewedSessionID(env.Data)
	if sessionID == "" {
		e.logf(session.LogError, "RENEW_TOKEN without session id")
		return
	}
	e.timeline.UpdateSessionID(sessionID)

	payload, err := AuthPayload(sessionID)
	if err != nil {
		e.logf(session.LogError, "build AUTH reply: %v", err)
		return
	}
	if err := e.sendLocked(payload); err != nil {
		return
	}
	e.logf(session.LogInfo, "session renewed")
}

func (e *Engine) onHistory(env session.Envelope, _ string) {
	var items []session.HistoryItem
	if err := json.Unmarshal(env.Data, &items); err != nil {
		e.logf(session.LogError, "malformed HISTORYMESSAGE: %v", err)
		return
	}

	for _, item := range items {
		var sender session.Sender
		switch item.Type {
		case "from":
			sender = session.SenderAgent
		case "to":
			sender = session.SenderUser
		default:
			e.logf(session.LogError, "history item with unknown type %q skipped", item.Type)
			continue
		}
		e.timeline.AppendMessageAt(sender, item.Message, e.parseTimestamp(item.Timestamp), nil, nil)
	}
	e.logf(session.LogInfo, "history restored (%d messages)", len(items))
}

func (e *Engine) onSessionLanguage(env session.Envelope, _ string) {
	var data session.MessageData
	if err := json.Unmarshal(env.Data, &data); err != nil || (data.ChatID == "" && data.ID == "") {
		e.logf(session.LogInfo, "SESSION_LANGUAGE received")
		return
	}
	e.timeline.SetChatInfo(session.ChatSessionInfo{ChatID: data.ChatID, SessionID: data.ID})
	e.logf(session.LogInfo, "session language confirmed (chatId=%s sessionId=%s)", data.ChatID, data.ID)
}

// onTranscript renders the recognized text of the user's audio.
func (e *Engine) onTranscript(env session.Envelope, _ string) {
	text := displayText(env.Data)
	if text == "" {
		e.logf(session.LogInfo, "AUDIO received without transcript")
		return
	}
	e.timeline.AppendMessage(session.SenderUser, text, nil, nil)
}

func (e *Engine) onServerError(env session.Envelope, raw string) {
	text := displayText(env.Data)
	if text == "" {
		text = raw
	}
	e.logf(session.LogError, "server error: %s", text)
	e.timeline.AppendMessage(session.SenderAgent, text, nil, nil)
}

func (e *Engine) onNotice(env session.Envelope, _ string) {
	var data session.MessageData
	_ = json.Unmarshal(env.Data, &data)

	text := displayText(env.Data)
	if text == "" {
		e.logf(session.LogInfo, "%s received", env.Event)
		return
	}
	e.timeline.AppendMessage(session.SenderAgent, text, data.Actions, data.ExtraMsg)
}

func (e *Engine) onAck(env session.Envelope, _ string) {
	e.logf(session.LogInfo, "%s received", env.Event)
}

func renewedSessionID(data json.RawMessage) string {
	if s, ok := stringData(data); ok {
		return s
	}
	var fields struct {
		SessionID string `json:"sessionId"`
		ID        string `json:"id"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return ""
	}
	if fields.SessionID != "" {
		return fields.SessionID
	}
	return fields.ID
}

// parseTimestamp accepts RFC 3339 strings and epoch milliseconds.
func (e *Engine) parseTimestamp(raw json.RawMessage) time.Time {
	if s, ok := stringData(raw); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
		return e.now()
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(int64(ms))
	}
	return e.now()
}
