package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/assistant-harness/backend/internal/model/chat"
	"github.com/zhouzirui/assistant-harness/backend/internal/model/session"
	assistantservice "github.com/zhouzirui/assistant-harness/backend/internal/service/assistant"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// Handler 模拟银行助手的 WebSocket 通道
type Handler struct {
	svc      *assistantservice.Service
	token    string
	upgrader websocket.Upgrader
}

// New 创建模拟助手处理器。token 为空时接受任意非空 token
func New(svc *assistantservice.Service, token string) *Handler {
	return &Handler{
		svc:   svc,
		token: token,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/assistant/ws", h.handleWebSocket)
}

type connectionState struct {
	conv chat.Conversation
}

type sessionLanguageData struct {
	ChatID   string `json:"chatId"`
	ID       string `json:"id"`
	Language string `json:"language"`
}

type renewData struct {
	SessionID string `json:"sessionId"`
}

type messageRef struct {
	MessageID string `json:"messageId"`
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	token := query.Get("token")
	if token == "" || (h.token != "" && token != h.token) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	language := query.Get("language")
	if language == "" {
		language = session.LanguageEnglish
	}
	if language != session.LanguageEnglish && language != session.LanguageArabic {
		http.Error(w, "language must be en or ar", http.StatusBadRequest)
		return
	}
	platform := query.Get("platform")
	if platform == "" {
		platform = session.PlatformWeb
	}
	if platform != session.PlatformWeb && platform != session.PlatformMobile {
		http.Error(w, "platform must be web or mobile", http.StatusBadRequest)
		return
	}

	resumed := false
	var conv chat.Conversation
	if sessionID := query.Get("sessionId"); sessionID != "" {
		existing, err := h.svc.ResumeConversation(r.Context(), sessionID)
		if err == nil {
			conv, resumed = existing, true
		} else {
			log.Printf("[assistant] unknown session %s, starting a new conversation", sessionID)
		}
	}
	if !resumed {
		created, err := h.svc.CreateConversation(r.Context(), language, platform)
		if err != nil {
			http.Error(w, "failed to create conversation", http.StatusInternalServerError)
			return
		}
		conv = created
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[assistant] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("[assistant] new connection chat=%s session=%s resumed=%t", conv.ChatID, conv.SessionID, resumed)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go h.pingLoop(ctx, conn)

	state := &connectionState{conv: conv}
	h.send(conn, session.EventMessage, session.MessageData{Type: "to", ChatID: conv.ChatID, ID: conv.SessionID})
	if resumed {
		h.sendHistory(ctx, conn, state)
	} else {
		h.send(conn, session.EventMessage, session.MessageData{Message: h.svc.Greeting()})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[assistant] read error: %v", err)
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))

		var env session.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.sendError(conn, "invalid envelope")
			continue
		}

		if !h.handleEvent(ctx, conn, state, env) {
			return
		}
	}
}

// handleEvent returns false once the conversation is over.
func (h *Handler) handleEvent(ctx context.Context, conn *websocket.Conn, state *connectionState, env session.Envelope) bool {
	switch env.Event {
	case session.EventMessage, session.EventLiveAgentMessage:
		h.handleText(ctx, conn, state, env.Data)
	case session.EventAudio:
		h.handleAudio(ctx, conn, state, env.Data)
	case session.EventAuth:
		h.handleAuth(conn, state, env.Data)
	case session.EventRate:
		h.handleRate(ctx, conn, state, env.Data)
	case session.EventLanguage:
		h.handleLanguage(ctx, conn, state, env.Data)
	case session.EventAssistance:
		topic := strings.ReplaceAll(textOf(env.Data), "_", " ")
		if topic == "" {
			topic = "your request"
		}
		h.send(conn, session.EventLiveAgentMessage, session.MessageData{Message: "A live agent will help you with " + topic + "."})
	case session.EventEndSession:
		if err := h.svc.EndConversation(ctx, state.conv.ChatID); err != nil {
			log.Printf("[assistant] end conversation failed: %v", err)
		}
		h.send(conn, session.EventEndSession, session.MessageData{Message: "Chat ended. Goodbye!"})
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		return false
	case session.EventDeleteAudio, session.EventNavigate:
		log.Printf("[assistant] %s acknowledged chat=%s", env.Event, state.conv.ChatID)
	default:
		h.sendError(conn, "unsupported event: "+string(env.Event))
	}
	return true
}

func (h *Handler) handleText(ctx context.Context, conn *websocket.Conn, state *connectionState, raw json.RawMessage) {
	text := textOf(raw)
	if strings.TrimSpace(text) == "" {
		h.sendError(conn, "message is required")
		return
	}
	h.respond(ctx, conn, state, text)
}

func (h *Handler) handleAudio(ctx context.Context, conn *websocket.Conn, state *connectionState, raw json.RawMessage) {
	transcript, err := h.svc.TranscribeAudio(textOf(raw))
	if err != nil {
		log.Printf("[assistant] audio rejected chat=%s: %v", state.conv.ChatID, err)
		h.sendError(conn, "could not process audio")
		return
	}
	h.send(conn, session.EventAudio, session.MessageData{Message: transcript})
	h.respond(ctx, conn, state, transcript)
}

func (h *Handler) respond(ctx context.Context, conn *websocket.Conn, state *connectionState, text string) {
	reply, err := h.svc.Respond(ctx, state.conv.ChatID, text)
	if err != nil {
		log.Printf("[assistant] respond failed chat=%s: %v", state.conv.ChatID, err)
		h.sendError(conn, "assistant unavailable")
		return
	}

	extra, _ := json.Marshal(messageRef{MessageID: reply.Message.ID})
	h.send(conn, session.EventMessage, session.MessageData{
		Message:  reply.Message.Content,
		Actions:  reply.Actions,
		ExtraMsg: extra,
	})

	if reply.Renewed != nil {
		state.conv = *reply.Renewed
		log.Printf("[assistant] session renewed chat=%s session=%s", state.conv.ChatID, state.conv.SessionID)
		h.send(conn, session.EventRenewToken, renewData{SessionID: state.conv.SessionID})
	}
}

func (h *Handler) handleAuth(conn *websocket.Conn, state *connectionState, raw json.RawMessage) {
	if textOf(raw) != state.conv.SessionID {
		h.sendError(conn, "invalid session")
		return
	}
	h.sendSessionLanguage(conn, state)
}

func (h *Handler) handleRate(ctx context.Context, conn *websocket.Conn, state *connectionState, raw json.RawMessage) {
	var rate session.RateData
	if err := json.Unmarshal(raw, &rate); err != nil {
		h.sendError(conn, "invalid rate payload")
		return
	}

	err := h.svc.Rate(ctx, state.conv.ChatID, rate.MessageID, rate.IsHelpful == "yes")
	if err != nil && !errors.Is(err, assistantservice.ErrMessageNotFound) {
		h.sendError(conn, "rating failed")
		return
	}
	if err != nil {
		log.Printf("[assistant] rating for unknown message %s", rate.MessageID)
	}
	h.send(conn, session.EventUserRateReply, session.MessageData{Message: "Thanks for your feedback!"})
}

func (h *Handler) handleLanguage(ctx context.Context, conn *websocket.Conn, state *connectionState, raw json.RawMessage) {
	language := textOf(raw)
	if language == "" {
		var payload struct {
			Language string `json:"language"`
		}
		_ = json.Unmarshal(raw, &payload)
		language = payload.Language
	}
	if language != session.LanguageEnglish && language != session.LanguageArabic {
		h.sendError(conn, "language must be en or ar")
		return
	}

	conv, err := h.svc.SetLanguage(ctx, state.conv.ChatID, language)
	if err != nil {
		h.sendError(conn, "conversation not found")
		return
	}
	state.conv = conv
	h.sendSessionLanguage(conn, state)
}

func (h *Handler) sendSessionLanguage(conn *websocket.Conn, state *connectionState) {
	h.send(conn, session.EventSessionLanguage, sessionLanguageData{
		ChatID:   state.conv.ChatID,
		ID:       state.conv.SessionID,
		Language: state.conv.Language,
	})
}

func (h *Handler) sendHistory(ctx context.Context, conn *websocket.Conn, state *connectionState) {
	messages, err := h.svc.LoadTranscript(ctx, state.conv.ChatID)
	if err != nil {
		log.Printf("[assistant] load transcript failed: %v", err)
		return
	}

	items := make([]session.HistoryItem, 0, len(messages))
	for _, msg := range messages {
		ts, _ := json.Marshal(msg.CreatedAt.UnixMilli())
		items = append(items, session.HistoryItem{Type: msg.Direction, Message: msg.Content, Timestamp: ts})
	}
	h.send(conn, session.EventHistoryMessage, items)
}

func (h *Handler) send(conn *websocket.Conn, event session.EventType, data any) {
	env, err := session.NewEnvelope(event, data)
	if err != nil {
		log.Printf("[assistant] encode %s failed: %v", event, err)
		return
	}
	frame, err := env.Encode()
	if err != nil {
		log.Printf("[assistant] encode %s failed: %v", event, err)
		return
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		log.Printf("[assistant] write %s failed: %v", event, err)
	}
}

func (h *Handler) sendError(conn *websocket.Conn, message string) {
	h.send(conn, session.EventError, session.MessageData{Message: message})
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// textOf returns data when it is a JSON string, else data.message.
func textOf(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var msg session.MessageData
	if err := json.Unmarshal(raw, &msg); err == nil {
		return msg.Message
	}
	return ""
}
