package server

import (
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // clients authenticate with a token, not cookies
	},
}

// WSTransport upgrades HTTP requests and hands each socket, with its parsed
// handshake, to the connect callback. ServeHTTP blocks until the callback returns.
type WSTransport struct {
	opts      TransportOptions
	path      string
	onConnect ConnectFunc
	active    atomic.Int64
}

func NewWSTransport(path string, opts TransportOptions) *WSTransport {
	return &WSTransport{path: path, opts: opts}
}

func (t *WSTransport) OnConnect(fn ConnectFunc) {
	t.onConnect = fn
}

func (t *WSTransport) Meta() TransportMetadata {
	return TransportMetadata{
		Name:       "WebSocket",
		Protocol:   "websocket",
		Address:    t.path,
		Active:     int(t.active.Load()),
		MaxClients: t.opts.MaxClients,
	}
}

func (t *WSTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.onConnect == nil {
		http.Error(w, "transport not attached to a server", http.StatusServiceUnavailable)
		return
	}
	hs := ParseHandshake(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	n := t.active.Add(1)
	defer t.active.Add(-1)

	socket := newWSSocket(conn, t.opts.WriteTimeout)
	if t.opts.MaxClients > 0 && n > int64(t.opts.MaxClients) {
		slog.Warn("Max clients reached, rejecting connection", "remote_addr", r.RemoteAddr)
		socket.Close(websocket.CloseTryAgainLater, "max clients reached")
		return
	}
	if t.opts.MaxFrameBytes > 0 {
		conn.SetReadLimit(t.opts.MaxFrameBytes)
	}

	slog.Debug("WebSocket client connected", "remote_addr", r.RemoteAddr, "userId", hs.Identity.UserID,
		"role", string(hs.Identity.Role))
	t.onConnect(hs, socket)
}
