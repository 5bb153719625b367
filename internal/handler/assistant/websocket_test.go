package assistant

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/assistant-harness/backend/internal/model/session"
	assistantservice "github.com/zhouzirui/assistant-harness/backend/internal/service/assistant"
	sessionservice "github.com/zhouzirui/assistant-harness/backend/internal/service/session"
)

func newTestServer(t *testing.T, opts assistantservice.Options) (*httptest.Server, string) {
	t.Helper()
	handler := New(assistantservice.NewService(opts), "secret")
	r := chi.NewRouter()
	r.Route("/api", handler.RegisterRoutes)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server, "ws" + strings.TrimPrefix(server.URL, "http") + "/api/assistant/ws"
}

func connect(t *testing.T, url, sessionID string) *sessionservice.Engine {
	t.Helper()
	engine := sessionservice.NewEngine(sessionservice.NewWebSocketDialer(nil))
	cfg := session.ChannelConfig{URL: url, Token: "secret", SessionID: sessionID}
	if err := engine.Connect(context.Background(), cfg); err != nil {
		t.Fatalf("Connect err: %v", err)
	}
	t.Cleanup(func() { _ = engine.Disconnect() })
	return engine
}

func waitFor(t *testing.T, engine *sessionservice.Engine, desc string, cond func(sessionservice.Snapshot) bool) sessionservice.Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap := engine.Snapshot()
		if cond(snap) {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s: %+v", desc, engine.Snapshot())
	return sessionservice.Snapshot{}
}

func agentMessages(snap sessionservice.Snapshot) []session.ChatMessage {
	var out []session.ChatMessage
	for _, msg := range snap.Messages {
		if msg.Sender == session.SenderAgent {
			out = append(out, msg)
		}
	}
	return out
}

func TestAssistantHandshakeAndReply(t *testing.T) {
	_, url := newTestServer(t, assistantservice.Options{Greeting: "Welcome"})
	engine := connect(t, url, "")

	snap := waitFor(t, engine, "greeting", func(s sessionservice.Snapshot) bool {
		return s.ChatInfo != nil && len(agentMessages(s)) == 1
	})
	if snap.ChatInfo.ChatID == "" || snap.ChatInfo.SessionID == "" {
		t.Fatalf("expected chat info from ack, got %+v", snap.ChatInfo)
	}
	if got := agentMessages(snap)[0].Content; got != "Welcome" {
		t.Fatalf("unexpected greeting: %s", got)
	}

	payload, err := sessionservice.TextPayload("show my balance")
	if err != nil {
		t.Fatalf("TextPayload err: %v", err)
	}
	if err := engine.SendMessage(payload); err != nil {
		t.Fatalf("SendMessage err: %v", err)
	}

	snap = waitFor(t, engine, "balance reply", func(s sessionservice.Snapshot) bool {
		return len(agentMessages(s)) == 2
	})
	reply := agentMessages(snap)[1]
	if !strings.Contains(reply.Content, "balance") {
		t.Fatalf("unexpected reply: %s", reply.Content)
	}

	var rate *session.MessageAction
	for i := range reply.Actions {
		if reply.Actions[i].Event == session.EventRate && reply.Actions[i].ValueString() == "yes" {
			rate = &reply.Actions[i]
		}
	}
	if rate == nil {
		t.Fatalf("expected RATE action, got %+v", reply.Actions)
	}

	var ref messageRef
	if err := json.Unmarshal(reply.ExtraMsg, &ref); err != nil || ref.MessageID == "" {
		t.Fatalf("expected message ref in extra_msg, got %s", reply.ExtraMsg)
	}
	if err := engine.SendAction(*rate, ref.MessageID); err != nil {
		t.Fatalf("SendAction err: %v", err)
	}

	waitFor(t, engine, "rate reply", func(s sessionservice.Snapshot) bool {
		msgs := agentMessages(s)
		return len(msgs) == 3 && msgs[2].Content == "Thanks for your feedback!"
	})
}

func TestAssistantRenewTokenRoundtrip(t *testing.T) {
	_, url := newTestServer(t, assistantservice.Options{RenewEvery: 1})
	engine := connect(t, url, "")

	snap := waitFor(t, engine, "ack", func(s sessionservice.Snapshot) bool { return s.ChatInfo != nil })
	original := *snap.ChatInfo

	if err := engine.SendMessage(`{"event":"MESSAGE","data":"hello"}`); err != nil {
		t.Fatalf("SendMessage err: %v", err)
	}

	// RENEW_TOKEN -> AUTH -> SESSION_LANGUAGE confirms the rotated id
	snap = waitFor(t, engine, "session language", func(s sessionservice.Snapshot) bool {
		for _, entry := range s.Logs {
			if entry.Kind == session.LogReceive && strings.Contains(entry.Message, `"SESSION_LANGUAGE"`) {
				return true
			}
		}
		return false
	})
	if snap.ChatInfo.ChatID != original.ChatID {
		t.Fatalf("chat id changed: %s -> %s", original.ChatID, snap.ChatInfo.ChatID)
	}
	if snap.ChatInfo.SessionID == original.SessionID {
		t.Fatalf("expected rotated session id")
	}
	for _, entry := range snap.Logs {
		if entry.Kind == session.LogError {
			t.Fatalf("unexpected error log: %s", entry.Message)
		}
	}
}

func TestAssistantResumeReplaysHistory(t *testing.T) {
	_, url := newTestServer(t, assistantservice.Options{})
	first := connect(t, url, "")

	snap := waitFor(t, first, "ack", func(s sessionservice.Snapshot) bool { return s.ChatInfo != nil })
	sessionID := snap.ChatInfo.SessionID
	if err := first.SendMessage(`{"event":"MESSAGE","data":"block my card"}`); err != nil {
		t.Fatalf("SendMessage err: %v", err)
	}
	waitFor(t, first, "card reply", func(s sessionservice.Snapshot) bool { return len(agentMessages(s)) == 2 })
	if err := first.Disconnect(); err != nil {
		t.Fatalf("Disconnect err: %v", err)
	}

	second := connect(t, url, sessionID)
	snap = waitFor(t, second, "history", func(s sessionservice.Snapshot) bool { return len(s.Messages) == 2 })
	if snap.Messages[0].Sender != session.SenderUser || snap.Messages[0].Content != "block my card" {
		t.Fatalf("unexpected first history entry: %+v", snap.Messages[0])
	}
	if snap.Messages[1].Sender != session.SenderAgent {
		t.Fatalf("unexpected second history entry: %+v", snap.Messages[1])
	}
}

func TestAssistantEndSessionClosesChannel(t *testing.T) {
	_, url := newTestServer(t, assistantservice.Options{})
	engine := connect(t, url, "")
	waitFor(t, engine, "ack", func(s sessionservice.Snapshot) bool { return s.ChatInfo != nil })

	if err := engine.SendAction(session.MessageAction{Event: session.EventEndSession}, ""); err != nil {
		t.Fatalf("SendAction err: %v", err)
	}

	snap := waitFor(t, engine, "close", func(s sessionservice.Snapshot) bool {
		return s.Status == sessionservice.StatusClosed
	})
	if len(snap.Messages) != 0 || snap.ChatInfo != nil {
		t.Fatalf("expected conversation cleared on close, got %+v", snap)
	}
}

func TestAssistantRejectsBadToken(t *testing.T) {
	_, url := newTestServer(t, assistantservice.Options{})
	engine := sessionservice.NewEngine(sessionservice.NewWebSocketDialer(nil))

	err := engine.Connect(context.Background(), session.ChannelConfig{URL: url, Token: "wrong"})
	if err == nil {
		t.Fatal("expected dial error for wrong token")
	}
	if engine.Snapshot().Status != sessionservice.StatusClosed {
		t.Fatalf("expected CLOSED, got %s", engine.Snapshot().Status)
	}
}

func TestAssistantUnsupportedEvent(t *testing.T) {
	_, url := newTestServer(t, assistantservice.Options{})
	engine := connect(t, url, "")
	waitFor(t, engine, "ack", func(s sessionservice.Snapshot) bool { return s.ChatInfo != nil })

	if err := engine.SendMessage(`{"event":"TELEPORT","data":null}`); err != nil {
		t.Fatalf("SendMessage err: %v", err)
	}
	waitFor(t, engine, "error reply", func(s sessionservice.Snapshot) bool {
		for _, msg := range agentMessages(s) {
			if strings.Contains(msg.Content, "unsupported event: TELEPORT") {
				return true
			}
		}
		return false
	})
}
