package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/devrelay/proto"
)

type WebSocketTransport struct {
	header http.Header
	conn   *websocket.Conn
	wmu    sync.Mutex // gorilla allows one concurrent writer
}

// NewWebSocketTransport creates a transport that sends header with the upgrade
// request. header may be nil.
func NewWebSocketTransport(header http.Header) *WebSocketTransport {
	return &WebSocketTransport{header: header}
}

func (t *WebSocketTransport) Connect(ctx context.Context, url string) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, t.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect to WebSocket server (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect to WebSocket server: %w", err)
	}
	t.conn = conn
	return nil
}

func (t *WebSocketTransport) Send(env proto.Envelope) error {
	if t.conn == nil {
		return fmt.Errorf("transport is not connected")
	}

	data, err := proto.Encode(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	t.wmu.Lock()
	err = t.conn.WriteMessage(websocket.TextMessage, data)
	t.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send WebSocket message: %w", err)
	}

	slog.Debug("Sent WebSocket Message", "type", env.MessageType, "deviceId", env.DeviceID, "size", len(env.Payload))
	return nil
}

func (t *WebSocketTransport) Read() (proto.Envelope, error) {
	if t.conn == nil {
		return proto.Envelope{}, fmt.Errorf("transport is not connected")
	}

	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
			return proto.Envelope{}, fmt.Errorf("WebSocket connection error: %w", err)
		}
		return proto.Envelope{}, fmt.Errorf("connection closed: %w", err)
	}

	env, err := proto.Decode(data)
	if err != nil {
		return proto.Envelope{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return env, nil
}

func (t *WebSocketTransport) Close() error {
	if t.conn == nil {
		return nil
	}

	t.wmu.Lock()
	err := t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.wmu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		// Still close the connection below.
		slog.Debug("Failed to send close message", "error", err)
	}

	return t.conn.Close()
}

// CloseCode extracts the WebSocket close code from an error returned by Read,
// or -1 when the connection did not end with a close frame.
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return -1
}
