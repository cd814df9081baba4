package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mbocsi/devrelay/broker"
	"github.com/mbocsi/devrelay/proto"
)

type CloseReason int

const (
	ReasonClosed         CloseReason = iota // peer closed or the read side failed
	ReasonDeadPeer                          // pong overdue
	ReasonTransportError                    // write failed or send queue overflowed
	ReasonSuperseded                        // a newer connection took the same key
	ReasonShutdown                          // server is stopping
)

func (r CloseReason) String() string {
	switch r {
	case ReasonClosed:
		return "closed"
	case ReasonDeadPeer:
		return "dead_peer"
	case ReasonTransportError:
		return "transport_error"
	case ReasonSuperseded:
		return "superseded"
	case ReasonShutdown:
		return "shutdown"
	}
	return "unknown"
}

func (r CloseReason) closeCode() (int, string) {
	switch r {
	case ReasonSuperseded:
		return proto.CloseSuperseded, "superseded by a newer connection"
	case ReasonShutdown:
		return websocket.CloseGoingAway, "server shutting down"
	case ReasonDeadPeer:
		return websocket.CloseGoingAway, "heartbeat timeout"
	case ReasonTransportError:
		return websocket.CloseInternalServerErr, "transport error"
	}
	return websocket.CloseNormalClosure, ""
}

type ConnectionOptions struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	SendQueue      int
	BusQueue       int
	PublishTimeout time.Duration
}

// Connection is one authenticated client. Its relay, cache and heartbeat are owned
// by a single event-loop goroutine, so none of them need locking.
type Connection struct {
	ID          string
	Identity    Identity
	RemoteAddr  string
	ConnectedAt time.Time

	socket  Socket
	opts    ConnectionOptions
	relay   *Relay
	metrics *Metrics
	log     *slog.Logger

	inbound  chan []byte
	busIn    chan proto.Envelope
	outbound chan []byte

	closeOnce sync.Once
	closing   chan struct{}
	reason    CloseReason // written once before closing is closed
	done      chan struct{}
}

func newConnection(identity Identity, socket Socket, topics *broker.Topics, opts ConnectionOptions, metrics *Metrics) *Connection {
	id := uuid.NewString()
	c := &Connection{
		ID:          id,
		Identity:    identity,
		ConnectedAt: time.Now(),
		socket:      socket,
		opts:        opts,
		metrics:     metrics,
		log: slog.With("connId", id, "userId", identity.UserID, "role", string(identity.Role),
			"deviceId", identity.DeviceID),
		inbound:  make(chan []byte),
		busIn:    make(chan proto.Envelope, opts.BusQueue),
		outbound: make(chan []byte, opts.SendQueue),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.relay = NewRelay(RelayOptions{
		ID:             id,
		Identity:       identity,
		Topics:         topics,
		Send:           c.send,
		Deliver:        c.deliver,
		PublishTimeout: opts.PublishTimeout,
		Metrics:        metrics,
		Logger:         c.log,
	})
	return c
}

// Close asks the connection to terminate. It never blocks and only the first
// reason is kept; cleanup runs once on the event loop.
func (c *Connection) Close(reason CloseReason) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.closing)
	})
}

// Reason is valid once Done is closed.
func (c *Connection) Reason() CloseReason {
	<-c.closing
	return c.reason
}

// Done is closed after the event loop has exited and the socket is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// run is the connection's event loop. It returns after the socket has been closed;
// the caller completes relay and registry cleanup.
func (c *Connection) run(ctx context.Context) {
	defer close(c.done)

	writerDone := make(chan struct{})
	go c.readLoop()
	go c.writeLoop(writerDone)

	hb := NewHeartbeat(c.opts.PingInterval, c.opts.PongTimeout)
	defer hb.Stop()

	if err := c.relay.Open(ctx); err != nil {
		c.log.Warn("Relay open failed, retrying on next heartbeat", "error", err)
	}

loop:
	for {
		select {
		case <-c.closing:
			break loop

		case <-ctx.Done():
			c.Close(ReasonShutdown)
			break loop

		case frame := <-c.inbound:
			c.handleFrame(ctx, hb, frame)

		case env := <-c.busIn:
			c.relay.HandleBus(ctx, env)

		case <-hb.Tick():
			if !c.relay.Subscribed() {
				if err := c.relay.Open(ctx); err != nil {
					c.log.Warn("Relay open retry failed", "error", err)
				}
			}
			c.send(proto.Envelope{MessageType: proto.TypePing})
			hb.PingSent()

		case <-hb.Deadline():
			hb.Expire()
			c.metrics.HeartbeatTimeouts.Inc()
			c.log.Info("Heartbeat deadline exceeded, evicting connection")
			c.Close(ReasonDeadPeer)
			break loop
		}
	}

	// Timers are cancelled before anything else so no tick fires during cleanup.
	hb.Stop()
	<-writerDone

	code, text := c.reason.closeCode()
	if err := c.socket.Close(code, text); err != nil {
		c.log.Debug("Socket close returned error", "error", err)
	}
}

func (c *Connection) handleFrame(ctx context.Context, hb *Heartbeat, frame []byte) {
	env, err := proto.Decode(frame)
	if err != nil {
		c.log.Warn("Invalid JSON frame received", "error", err, "size", len(frame))
		return
	}
	switch env.MessageType {
	case proto.TypePong:
		hb.Pong()
	case proto.TypePing:
		c.send(proto.Envelope{MessageType: proto.TypePong})
	default:
		c.relay.HandleSocket(ctx, env)
	}
}

func (c *Connection) readLoop() {
	for {
		data, err := c.socket.ReadFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("Connection read error", "error", err)
			}
			c.Close(ReasonClosed)
			return
		}
		select {
		case c.inbound <- data:
		case <-c.closing:
			return
		}
	}
}

func (c *Connection) writeLoop(done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case data := <-c.outbound:
			if err := c.socket.WriteFrame(data); err != nil {
				c.log.Warn("Socket write failed", "error", err)
				c.Close(ReasonTransportError)
				return
			}
		case <-c.closing:
			return
		}
	}
}

// send enqueues env for the client. A full queue means the client cannot keep up
// and is treated as a transport failure.
func (c *Connection) send(env proto.Envelope) {
	data, err := proto.Encode(env)
	if err != nil {
		c.log.Error("Failed to encode frame", "type", env.MessageType, "error", err)
		return
	}
	select {
	case <-c.closing:
		return
	default:
	}
	select {
	case c.outbound <- data:
	default:
		c.log.Warn("Send queue full, closing connection", "type", env.MessageType)
		c.Close(ReasonTransportError)
	}
}

// deliver is the topic handler. It runs on a bus goroutine and must not block.
func (c *Connection) deliver(env proto.Envelope) {
	select {
	case <-c.closing:
		return
	default:
	}
	select {
	case c.busIn <- env:
	default:
		c.metrics.DroppedEnvelopes.Inc()
		c.log.Warn("Bus queue full, dropping envelope", "type", env.MessageType, "deviceId", env.DeviceID)
	}
}

// ConnectionInfo is the externally visible description of a live connection.
type ConnectionInfo struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Role        Role      `json:"role"`
	DeviceID    string    `json:"deviceId,omitempty"`
	DeviceName  string    `json:"deviceName,omitempty"`
	DeviceType  string    `json:"deviceType,omitempty"`
	RemoteAddr  string    `json:"remoteAddr,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

func (c *Connection) Info() ConnectionInfo {
	return ConnectionInfo{
		ID:          c.ID,
		UserID:      c.Identity.UserID,
		Role:        c.Identity.Role,
		DeviceID:    c.Identity.DeviceID,
		DeviceName:  c.Identity.DeviceName,
		DeviceType:  c.Identity.DeviceType,
		RemoteAddr:  c.RemoteAddr,
		ConnectedAt: c.ConnectedAt,
	}
}
