package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/zhouzirui/assistant-harness/backend/internal/model/session"
)

// renewingServer acknowledges the chat, rotates the session and then waits
// for the AUTH reply before closing.
func renewingServer(t *testing.T, authCh chan<- session.Envelope) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"MESSAGE","data":{"type":"to","chatId":"c-1","id":"s-1"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"RENEW_TOKEN","data":"s-2"}`))

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env session.Envelope
		if json.Unmarshal(data, &env) == nil {
			authCh <- env
		}

		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		_, _, _ = conn.ReadMessage()
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocketEngineRoundtrip(t *testing.T) {
	authCh := make(chan session.Envelope, 1)
	server := renewingServer(t, authCh)
	defer server.Close()

	engine := NewEngine(NewWebSocketDialer(nil), WithClearOnClose(false))
	cfg := session.ChannelConfig{URL: wsURL(server), Token: "secret"}
	require.NoError(t, engine.Connect(context.Background(), cfg))

	select {
	case env := <-authCh:
		require.Equal(t, session.EventAuth, env.Event)
		require.JSONEq(t, `"s-2"`, string(env.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("AUTH reply not received")
	}

	require.Eventually(t, func() bool {
		return engine.Snapshot().Status == StatusClosed
	}, 2*time.Second, 10*time.Millisecond)

	snap := engine.Snapshot()
	require.Equal(t, &session.ChatSessionInfo{ChatID: "c-1", SessionID: "s-2"}, snap.ChatInfo)
	require.Contains(t, snap.Logs[len(snap.Logs)-1].Message, `reason="bye"`)
}

func TestWebSocketDialRejected(t *testing.T) {
	server := renewingServer(t, make(chan session.Envelope, 1))
	defer server.Close()

	engine := NewEngine(NewWebSocketDialer(nil))
	err := engine.Connect(context.Background(), session.ChannelConfig{URL: wsURL(server), Token: "wrong"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 401")
	require.Equal(t, StatusClosed, engine.Snapshot().Status)
}

func TestWebSocketClientDisconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	engine := NewEngine(NewWebSocketDialer(nil))
	require.NoError(t, engine.Connect(context.Background(), session.ChannelConfig{URL: wsURL(server), Token: "t"}))
	payload, err := TextPayload("hello")
	require.NoError(t, err)
	require.NoError(t, engine.SendMessage(payload))

	require.NoError(t, engine.Disconnect())
	require.Eventually(t, func() bool {
		return engine.Snapshot().Status == StatusClosed
	}, 2*time.Second, 10*time.Millisecond)

	snap := engine.Snapshot()
	require.Empty(t, snap.Messages)
	for _, entry := range snap.Logs {
		require.NotEqual(t, session.LogError, entry.Kind, entry.Message)
	}
}
