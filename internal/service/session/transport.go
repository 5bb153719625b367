package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes reported to Handler.OnClose when the peer sent none.
const (
	CloseNormal   = websocket.CloseNormalClosure
	CloseAbnormal = websocket.CloseAbnormalClosure
)

// Handler receives channel events from a single read goroutine, in order.
// OnClose is delivered exactly once and is always the last call.
type Handler interface {
	OnMessage(data string)
	OnError(err error)
	OnClose(code int, reason string)
}

// Conn is an open duplex channel.
type Conn interface {
	Send(data string) error
	Listen(h Handler)
	Close() error
}

// Dialer opens duplex channels. A successful Dial is the open signal.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketOptions 连接配置选项
type WebSocketOptions struct {
	HandshakeTimeout time.Duration // 握手超时时间
	WriteTimeout     time.Duration // 写入超时时间
	PingInterval     time.Duration // Ping间隔
	PongWait         time.Duration // 为0时不设置读超时
	Header           http.Header
}

// DefaultWebSocketOptions 默认连接选项
func DefaultWebSocketOptions() *WebSocketOptions {
	return &WebSocketOptions{
		HandshakeTimeout: 30 * time.Second,
		WriteTimeout:     30 * time.Second,
		PingInterval:     30 * time.Second,
	}
}

// WebSocketDialer dials the assistant channel with gorilla/websocket.
type WebSocketDialer struct {
	options *WebSocketOptions
}

// NewWebSocketDialer 创建 WebSocket 拨号器
func NewWebSocketDialer(options *WebSocketOptions) *WebSocketDialer {
	if options == nil {
		options = DefaultWebSocketOptions()
	}
	return &WebSocketDialer{options: options}
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.options.HandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, url, d.options.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	return &wsConn{
		ws:      ws,
		options: d.options,
		done:    make(chan struct{}),
	}, nil
}

type wsConn struct {
	ws      *websocket.Conn
	options *WebSocketOptions
	done    chan struct{}

	writeMu    sync.Mutex
	closing    atomic.Bool
	listenOnce sync.Once
	closeOnce  sync.Once
}

func (c *wsConn) Send(data string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.options.WriteTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(data))
}

func (c *wsConn) Listen(h Handler) {
	c.listenOnce.Do(func() {
		go c.readLoop(h)
		if c.options.PingInterval > 0 {
			go c.pingLoop()
		}
	})
}

// Close sends a normal closure frame and tears the socket down. The read
// loop then reports OnClose.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)

		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		werr := c.ws.WriteControl(websocket.CloseMessage, msg, c.controlDeadline())
		c.writeMu.Unlock()

		if cerr := c.ws.Close(); cerr != nil {
			err = cerr
		} else if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			err = werr
		}
	})
	return err
}

func (c *wsConn) readLoop(h Handler) {
	defer close(c.done)

	if c.options.PongWait > 0 {
		c.ws.SetReadDeadline(time.Now().Add(c.options.PongWait))
		c.ws.SetPongHandler(func(string) error {
			c.ws.SetReadDeadline(time.Now().Add(c.options.PongWait))
			return nil
		})
	}

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			code, reason, abnormal := c.closeStatus(err)
			if abnormal {
				h.OnError(err)
			}
			h.OnClose(code, reason)
			return
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			h.OnMessage(string(data))
		}
	}
}

func (c *wsConn) closeStatus(err error) (int, string, bool) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text, false
	}
	if c.closing.Load() {
		return CloseNormal, "normal closure", false
	}
	return CloseAbnormal, err.Error(), true
}

// pingLoop 定期发送ping消息
func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, c.controlDeadline())
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) controlDeadline() time.Time {
	if c.options.WriteTimeout > 0 {
		return time.Now().Add(c.options.WriteTimeout)
	}
	return time.Now().Add(time.Second)
}
