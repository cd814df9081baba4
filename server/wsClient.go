package server

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

const closeGrace = time.Second

// wsSocket adapts a gorilla connection to Socket. Reads happen on the connection's
// reader goroutine and writes on its writer goroutine, which is the concurrency
// gorilla allows.
type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func newWSSocket(conn *websocket.Conn, writeTimeout time.Duration) *wsSocket {
	return &wsSocket{conn: conn, writeTimeout: writeTimeout}
}

func (s *wsSocket) ReadFrame() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *wsSocket) WriteFrame(data []byte) error {
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame carrying code and drops the TCP connection.
func (s *wsSocket) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	werr := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	if errors.Is(werr, websocket.ErrCloseSent) {
		werr = nil
	}
	return errors.Join(werr, s.conn.Close())
}
