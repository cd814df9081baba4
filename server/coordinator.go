package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/devrelay/auth"
	"github.com/mbocsi/devrelay/proto"
)

const authTimeout = 5 * time.Second

// ServeConn runs one client from admission to cleanup and returns once the
// connection has fully terminated. Refused clients never touch the registry or
// the bus.
func (s *RelayServer) ServeConn(hs Handshake, socket Socket) {
	id := hs.Identity
	if err := id.Validate(); err != nil {
		s.reject(socket, hs, proto.CloseMissingIdentity, "malformed", err)
		return
	}

	authCtx, cancel := context.WithTimeout(s.ctx, authTimeout)
	_, err := auth.Authorize(authCtx, s.gate, hs.Token, id.UserID)
	cancel()
	if err != nil {
		if errors.Is(err, auth.ErrOwnerMismatch) {
			s.reject(socket, hs, proto.CloseOwnerMismatch, "owner_mismatch", err)
		} else {
			s.reject(socket, hs, proto.CloseAuthFailed, "unauthorized", err)
		}
		return
	}

	if !s.track() {
		s.reject(socket, hs, websocket.CloseGoingAway, "shutdown", errors.New("server shutting down"))
		return
	}
	defer s.wg.Done()

	conn := newConnection(id, socket, s.topics, s.connOpts, s.metrics)
	conn.RemoteAddr = hs.RemoteAddr
	s.registry.Register(conn)
	s.metrics.Connections.WithLabelValues(string(id.Role)).Inc()
	conn.log.Info("Connection registered", "remote_addr", hs.RemoteAddr)

	conn.run(s.ctx)

	reason := conn.Reason()
	// Only the connection that still owned its key announces the departure; a
	// superseded one leaves quietly so the replacement stays visible.
	terminal := s.registry.Deregister(conn) && reason != ReasonSuperseded
	conn.relay.Close(context.WithoutCancel(s.ctx), terminal)

	s.metrics.Connections.WithLabelValues(string(id.Role)).Dec()
	s.metrics.Closed.WithLabelValues(reason.String()).Inc()
	conn.log.Info("Connection closed", "reason", reason.String(), "terminal", terminal,
		"duration", time.Since(conn.ConnectedAt).Round(time.Millisecond))
}

func (s *RelayServer) reject(socket Socket, hs Handshake, code int, label string, err error) {
	s.metrics.Rejected.WithLabelValues(label).Inc()
	slog.Warn("Rejecting connection", "remote_addr", hs.RemoteAddr, "userId", hs.Identity.UserID,
		"role", string(hs.Identity.Role), "code", code, "error", err)
	if cerr := socket.Close(code, label); cerr != nil {
		slog.Debug("Socket close returned error", "error", cerr)
	}
}

// track counts a connection toward graceful shutdown. It fails once shutdown began.
func (s *RelayServer) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}
