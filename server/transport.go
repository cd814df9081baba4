package server

import "time"

// Socket is the transport handle a Connection exclusively owns. ReadFrame is only
// called from one goroutine and WriteFrame from another; Close may race either.
type Socket interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close(code int, reason string) error
}

// ConnectFunc takes over an accepted socket and returns when the connection has
// ended. Transports call it on their per-connection goroutine.
type ConnectFunc func(Handshake, Socket)

// TransportOptions bound what a single transport accepts.
type TransportOptions struct {
	MaxClients       int   // 0 means unlimited
	MaxFrameBytes    int64 // 0 means no read limit
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration // TCP only: time allowed for the hello line
}

type TransportMetadata struct {
	Name       string // Human-friendly name, e.g. "WebSocket", "MCU TCP"
	Protocol   string // "websocket" or "tcp"
	Address    string // Bind address or HTTP path
	Active     int    // Sockets currently held, including ones still in the handshake
	MaxClients int    // 0 means unlimited
}
