package client

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

type WebSocketTransport struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{}
}

func (t *WebSocketTransport) Connect(addr string) error {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("invalid WebSocket URL: %w", err)
	}
	if u.Scheme == "tcp" {
		u.Scheme = "ws"
	}
	if u.Path == "" {
		u.Path = "/"
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket server: %w", err)
	}

	t.conn = conn
	return nil
}

func (t *WebSocketTransport) Send(f Frame) error {
	if t.conn == nil {
		return fmt.Errorf("transport is not connected")
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	t.wmu.Lock()
	err = t.conn.WriteMessage(websocket.TextMessage, data)
	t.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send WebSocket message: %w", err)
	}

	slog.Debug("Sent WebSocket frame", "device", f.DeviceID, "size", len(f.FRMPayload))
	return nil
}

func (t *WebSocketTransport) Read() (Frame, error) {
	if t.conn == nil {
		return Frame{}, fmt.Errorf("transport is not connected")
	}

	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
			return Frame{}, fmt.Errorf("WebSocket connection error: %w", err)
		}
		return Frame{}, fmt.Errorf("connection closed: %w", err)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return f, nil
}

func (t *WebSocketTransport) Close() error {
	if t.conn == nil {
		return nil
	}

	t.wmu.Lock()
	err := t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.wmu.Unlock()
	if err != nil {
		slog.Warn("Failed to send close message", "error", err)
	}

	return t.conn.Close()
}
