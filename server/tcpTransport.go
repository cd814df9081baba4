package server

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/devrelay/proto"
)

const defaultHandshakeTimeout = 10 * time.Second

// TCPTransport accepts line-delimited JSON connections for MCUs without a
// WebSocket stack. The first line is a proto.Hello; every later line is one
// envelope.
type TCPTransport struct {
	Addr      string
	opts      TransportOptions
	listener  net.Listener
	onConnect ConnectFunc

	active atomic.Int64
	mu     sync.Mutex
	conns  map[net.Conn]struct{} // still in the hello phase
	wg     sync.WaitGroup
}

func NewTCPTransport(addr string, opts TransportOptions) *TCPTransport {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &TCPTransport{Addr: addr, opts: opts, conns: make(map[net.Conn]struct{})}
}

func (t *TCPTransport) OnConnect(fn ConnectFunc) {
	t.onConnect = fn
}

func (t *TCPTransport) Start() error {
	l, err := net.Listen("tcp", t.Addr)
	if err != nil {
		return err
	}
	return t.Serve(l)
}

// Serve accepts on l until Shutdown closes it.
func (t *TCPTransport) Serve(l net.Listener) error {
	if t.onConnect == nil {
		return fmt.Errorf("the OnConnect function is not defined; this transport is likely being used outside of a relay server")
	}
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
	slog.Info("Starting tcp server", "addr", l.Addr().String())

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		t.wg.Add(1)
		go t.handleConnection(conn)
	}
}

func (t *TCPTransport) handleConnection(c net.Conn) {
	defer t.wg.Done()
	ip := c.RemoteAddr().String()

	t.mu.Lock()
	t.conns[c] = struct{}{}
	t.mu.Unlock()
	n := t.active.Add(1)
	defer func() {
		t.active.Add(-1)
		t.mu.Lock()
		delete(t.conns, c)
		t.mu.Unlock()
	}()

	socket := newTCPSocket(c, t.opts)
	if t.opts.MaxClients > 0 && n > int64(t.opts.MaxClients) {
		slog.Warn("Max clients reached, rejecting connection", "remote_addr", ip)
		socket.Close(websocket.CloseTryAgainLater, "max clients reached")
		return
	}

	hello, err := socket.readHello(t.opts.HandshakeTimeout)
	if err != nil {
		slog.Warn("Invalid hello from tcp client", "addr", ip, "error", err)
		socket.Close(proto.CloseMissingIdentity, "invalid hello")
		return
	}

	// From here the server owns the socket and closes it on shutdown.
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()

	slog.Debug("TCP client connected", "addr", ip, "userId", hello.UserID, "role", hello.Role)
	t.onConnect(NewHandshake(hello, ip), socket)
}

// Shutdown stops accepting, aborts pending handshakes and waits for every
// connection handler to return.
func (t *TCPTransport) Shutdown() error {
	t.mu.Lock()
	l := t.listener
	conns := make([]net.Conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	var err error
	if l != nil {
		slog.Info("Shutting down tcp server", "addr", l.Addr().String())
		err = l.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	t.wg.Wait()
	return err
}

func (t *TCPTransport) Meta() TransportMetadata {
	addr := t.Addr
	t.mu.Lock()
	if t.listener != nil {
		addr = t.listener.Addr().String()
	}
	t.mu.Unlock()
	return TransportMetadata{
		Name:       "MCU TCP",
		Protocol:   "tcp",
		Address:    addr,
		Active:     int(t.active.Load()),
		MaxClients: t.opts.MaxClients,
	}
}

// ListenAddr is the bound address once Serve has started.
func (t *TCPTransport) ListenAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func newLineScanner(c net.Conn, maxFrame int64) *bufio.Scanner {
	s := bufio.NewScanner(c)
	if maxFrame > 0 {
		s.Buffer(make([]byte, 0, min(maxFrame, 64*1024)), int(maxFrame))
	}
	return s
}
