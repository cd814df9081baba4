package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mbocsi/devrelay/auth"
	"github.com/mbocsi/devrelay/broker"
	"github.com/mbocsi/devrelay/config"
)

const shutdownTimeout = 10 * time.Second

type Options struct {
	Config   config.Config
	Gate     auth.Gate           // Required
	Bus      broker.Bus          // Optional (defaults to an in-memory bus owned by the server)
	Registry *ConnectionRegistry // Optional (defaults to a new registry)
	Metrics  *Metrics            // Optional (defaults to a new per-server registry)
}

type RelayServer struct {
	cfg       config.Config
	gate      auth.Gate
	bus       broker.Bus
	ownsBus   bool
	topics    *broker.Topics
	registry  *ConnectionRegistry
	metrics   *Metrics
	transport *WSTransport
	tcp       *TCPTransport // nil unless tcp.listen is set
	mdns      advertiser
	mcp       *MCPServer
	connOpts  ConnectionOptions
	http      *http.Server

	// ctx outlives individual requests; hijacked sockets are not cancelled by
	// http.Server.Shutdown so connections watch this instead.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewRelayServer(opts Options) (*RelayServer, error) {
	if opts.Gate == nil {
		return nil, errors.New("server: an auth gate is required")
	}
	s := &RelayServer{
		cfg:      opts.Config,
		gate:     opts.Gate,
		bus:      opts.Bus,
		registry: opts.Registry,
		metrics:  opts.Metrics,
	}
	if s.bus == nil {
		s.bus = broker.NewMemoryBus(0)
		s.ownsBus = true
	}
	if s.registry == nil {
		s.registry = NewConnectionRegistry()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	s.topics = broker.NewTopics(s.bus)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.connOpts = ConnectionOptions{
		PingInterval:   s.cfg.Heartbeat.PingInterval,
		PongTimeout:    s.cfg.Heartbeat.PongTimeout,
		SendQueue:      s.cfg.Conn.SendQueue,
		BusQueue:       s.cfg.Conn.BusQueue,
		PublishTimeout: s.cfg.Conn.PublishTimeout,
	}
	topts := TransportOptions{
		MaxClients:       s.cfg.MaxClients,
		MaxFrameBytes:    s.cfg.Conn.MaxFrameBytes,
		WriteTimeout:     s.cfg.Conn.WriteTimeout,
		HandshakeTimeout: s.cfg.TCP.HandshakeTimeout,
	}
	s.transport = NewWSTransport(s.cfg.Path, topts)
	s.transport.OnConnect(s.ServeConn)
	if s.cfg.TCP.Listen != "" {
		s.tcp = NewTCPTransport(s.cfg.TCP.Listen, topts)
		s.tcp.OnConnect(s.ServeConn)
	}

	if s.cfg.MCP.Enabled {
		s.mcp = NewMCPServer(s.registry)
	}
	return s, nil
}

func (s *RelayServer) Registry() *ConnectionRegistry {
	return s.registry
}

func (s *RelayServer) Metrics() *Metrics {
	return s.metrics
}

func (s *RelayServer) Topics() *broker.Topics {
	return s.topics
}

// Transports describes every listener the server accepts clients on.
func (s *RelayServer) Transports() []TransportMetadata {
	metas := []TransportMetadata{s.transport.Meta()}
	if s.tcp != nil {
		metas = append(metas, s.tcp.Meta())
	}
	return metas
}

// TCPAddr is the bound address of the TCP listener, or nil if it is disabled
// or not yet listening.
func (s *RelayServer) TCPAddr() net.Addr {
	if s.tcp == nil {
		return nil
	}
	return s.tcp.ListenAddr()
}

// Start listens on the configured address and blocks until ctx is cancelled,
// then shuts down gracefully.
func (s *RelayServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *RelayServer) Serve(ctx context.Context, ln net.Listener) error {
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var tcpLn net.Listener
	if s.tcp != nil {
		var err error
		if tcpLn, err = net.Listen("tcp", s.cfg.TCP.Listen); err != nil {
			ln.Close()
			return fmt.Errorf("listen tcp %s: %w", s.cfg.TCP.Listen, err)
		}
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("Starting relay server", "addr", ln.Addr().String(), "path", s.cfg.Path)
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if tcpLn != nil {
		go func() {
			if err := s.tcp.Serve(tcpLn); err != nil {
				errCh <- fmt.Errorf("tcp: %w", err)
			}
		}()
	}
	if s.cfg.MDNS.Enabled {
		s.startAdvertising(ln.Addr(), tcpLn)
	}
	if s.mcp != nil {
		go func() {
			if err := s.mcp.Start(); err != nil {
				slog.Error("MCP server stopped", "error", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(fmt.Errorf("serve: %w", err), s.Shutdown(shutdownCtx))
	case <-ctx.Done():
	}

	slog.Info("Shutting down relay server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// startAdvertising failures are logged; the relay still serves clients that
// know its address.
func (s *RelayServer) startAdvertising(wsAddr net.Addr, tcpLn net.Listener) {
	if err := s.mdns.advertise(s.cfg.MDNS.Instance, ServiceWebSocket, wsAddr, []string{"path=" + s.cfg.Path}); err != nil {
		slog.Warn("mDNS advertisement failed", "service", ServiceWebSocket, "error", err)
	}
	if tcpLn != nil {
		if err := s.mdns.advertise(s.cfg.MDNS.Instance, ServiceTCP, tcpLn.Addr(), nil); err != nil {
			slog.Warn("mDNS advertisement failed", "service", ServiceTCP, "error", err)
		}
	}
}

// Shutdown stops accepting connections, closes every live connection with 1001
// and waits for their cleanup, including terminal publishes, until ctx expires.
func (s *RelayServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	if err := s.mdns.shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("mdns shutdown: %w", err))
	}
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	s.cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		if s.tcp != nil {
			err = s.tcp.Shutdown()
		}
		s.wg.Wait()
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("tcp shutdown: %w", err))
		}
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connections: %w", ctx.Err()))
	}

	s.topics.Close()
	if s.ownsBus {
		if err := s.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("bus close: %w", err))
		}
	}
	return errors.Join(errs...)
}

// SetupLogger installs the process-wide slog logger. Logs go to stderr because
// stdout carries the MCP stdio protocol when it is enabled.
func SetupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
