package client

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame types returned by ReadMessage
const (
	TextMessage   = websocket.TextMessage
	BinaryMessage = websocket.BinaryMessage
)

// WebSocketConnection is one streaming connection bound to a client id. It is
// read by a single goroutine; Close may be called from any goroutine, any
// number of times.
type WebSocketConnection struct {
	WebSocketURL string
	ClientID     string
	Conn         *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// DialWebSocket performs one handshake attempt against /ws for clientID.
func (c *ComfyClient) DialWebSocket(ctx context.Context, clientID string) (*WebSocketConnection, error) {
	wsurl := c.wsURL("/ws?clientId=" + url.QueryEscape(clientID))
	conn, resp, err := c.dialer.DialContext(ctx, wsurl, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &WebSocketConnection{
		WebSocketURL: wsurl,
		ClientID:     clientID,
		Conn:         conn,
	}, nil
}

// ReadMessage blocks for the next frame.
func (w *WebSocketConnection) ReadMessage() (int, []byte, error) {
	return w.Conn.ReadMessage()
}

// Close sends a close frame and releases the connection. Only the first call
// has any effect.
func (w *WebSocketConnection) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	// best effort; the peer may already be gone
	_ = w.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.Conn.Close()
}

// Closed reports whether Close has been called.
func (w *WebSocketConnection) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
