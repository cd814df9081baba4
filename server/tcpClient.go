package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mbocsi/devrelay/proto"
)

// tcpSocket frames envelopes as newline-terminated JSON.
type tcpSocket struct {
	conn         net.Conn
	scanner      *bufio.Scanner
	writeTimeout time.Duration

	wmu    sync.Mutex
	closed bool
}

func newTCPSocket(conn net.Conn, opts TransportOptions) *tcpSocket {
	return &tcpSocket{
		conn:         conn,
		scanner:      newLineScanner(conn, opts.MaxFrameBytes),
		writeTimeout: opts.WriteTimeout,
	}
}

func (s *tcpSocket) readHello(timeout time.Duration) (proto.Hello, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return proto.Hello{}, err
	}
	line, err := s.ReadFrame()
	if err != nil {
		return proto.Hello{}, fmt.Errorf("read hello: %w", err)
	}
	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return proto.Hello{}, err
	}
	var hello proto.Hello
	if err := json.Unmarshal(line, &hello); err != nil {
		return proto.Hello{}, fmt.Errorf("decode hello: %w", err)
	}
	return hello, nil
}

func (s *tcpSocket) ReadFrame() ([]byte, error) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer on the next Scan.
		return append([]byte(nil), line...), nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *tcpSocket) WriteFrame(data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	return s.writeLine(data, s.writeTimeout)
}

// Close writes a close line carrying code and drops the connection.
func (s *tcpSocket) Close(code int, reason string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var werr error
	env, err := proto.NewEnvelope(proto.TypeClose, "", proto.ClosePayload{Code: code, Reason: reason})
	if err == nil {
		var data []byte
		if data, err = proto.Encode(env); err == nil {
			werr = s.writeLine(data, closeGrace)
		}
	}
	return errors.Join(err, werr, s.conn.Close())
}

func (s *tcpSocket) writeLine(data []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	_, err := s.conn.Write(append(data, '\n'))
	return err
}
