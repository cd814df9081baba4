package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/mbocsi/devrelay/proto"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TCPTransport speaks the relay's line-delimited JSON protocol. The handshake
// parameters travel in a hello line instead of a query string.
type TCPTransport struct {
	token   string // overrides the URL's token parameter when set
	conn    net.Conn
	scanner *bufio.Scanner
	wmu     sync.Mutex
}

func NewTCPTransport(token string) *TCPTransport {
	return &TCPTransport{token: token}
}

// Connect dials a tcp://host:port URL whose query carries the same parameters
// as a WebSocket connect URL.
func (t *TCPTransport) Connect(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid TCP URL: %w", err)
	}
	q := u.Query()
	hello := proto.Hello{
		Token:      q.Get("token"),
		UserID:     q.Get("userId"),
		Role:       q.Get("role"),
		DeviceID:   q.Get("deviceId"),
		DeviceName: q.Get("deviceName"),
		DeviceType: q.Get("deviceType"),
	}
	if t.token != "" {
		hello.Token = t.token
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return fmt.Errorf("failed to connect to TCP server: %w", err)
	}
	t.conn = conn
	t.scanner = bufio.NewScanner(conn)

	data, err := json.Marshal(hello)
	if err != nil {
		conn.Close()
		return err
	}
	if err := t.writeLine(data); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send hello: %w", err)
	}
	return nil
}

func (t *TCPTransport) Send(env proto.Envelope) error {
	if t.conn == nil {
		return fmt.Errorf("transport is not connected")
	}
	data, err := proto.Encode(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := t.writeLine(data); err != nil {
		return fmt.Errorf("failed to send TCP message: %w", err)
	}
	slog.Debug("Sent TCP Message", "type", env.MessageType, "deviceId", env.DeviceID, "size", len(env.Payload))
	return nil
}

func (t *TCPTransport) writeLine(data []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	_, err := t.conn.Write(append(data, '\n'))
	return err
}

// Read returns the next envelope. A close line from the server ends the
// connection with a *websocket.CloseError so CloseCode works for both transports.
func (t *TCPTransport) Read() (proto.Envelope, error) {
	if t.conn == nil {
		return proto.Envelope{}, fmt.Errorf("transport is not connected")
	}
	for t.scanner.Scan() {
		line := t.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		env, err := proto.Decode(line)
		if err != nil {
			return proto.Envelope{}, fmt.Errorf("invalid JSON: %w", err)
		}
		if env.MessageType == proto.TypeClose {
			var p proto.ClosePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return proto.Envelope{}, fmt.Errorf("invalid close payload: %w", err)
			}
			return proto.Envelope{}, fmt.Errorf("connection closed: %w", &websocket.CloseError{Code: p.Code, Text: p.Reason})
		}
		return env, nil
	}

	if err := t.scanner.Err(); err != nil {
		return proto.Envelope{}, err
	}
	return proto.Envelope{}, fmt.Errorf("connection closed: %w", io.EOF)
}

func (t *TCPTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
