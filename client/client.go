package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/mbocsi/devrelay/proto"
)

const (
	RoleUser   = "user"
	RoleDevice = "device"
)

type Options struct {
	URL    string // e.g. ws://localhost:8080/ws, or tcp://localhost:9100 for the line protocol
	Token  string
	UserID string
	Role   string // RoleUser or RoleDevice

	// Device role only.
	DeviceID   string
	DeviceName string
	DeviceType string

	BearerHeader    bool // send the token as "Authorization: Bearer" instead of a query parameter
	DisableAutoPong bool // leave pings unanswered, e.g. to simulate a hung device
}

// DialURL is the connect URL with the handshake parameters in the query string.
func (o Options) DialURL() (string, error) {
	u, err := url.Parse(o.URL)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}
	// If no scheme is provided, assume ws://
	if u.Scheme == "" {
		u.Scheme = "ws"
	}

	q := u.Query()
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	if !o.BearerHeader {
		set("token", o.Token)
	}
	set("userId", o.UserID)
	set("role", o.Role)
	if o.Role == RoleDevice {
		set("deviceId", o.DeviceID)
		set("deviceName", o.DeviceName)
		set("deviceType", o.DeviceType)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Client is a user or device connection to a relay.
type Client struct {
	opts      Options
	transport Transport

	handlerMu    sync.RWMutex
	onDeviceList func([]proto.DeviceState)
	onCommand    func(state map[string]any)
	onStopped    func()
}

// Dial connects and completes the handshake. A refused handshake surfaces as an
// error from the first Read carrying the server's close code.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	dialURL, err := opts.DialURL()
	if err != nil {
		return nil, err
	}
	var t Transport
	if strings.HasPrefix(dialURL, "tcp://") {
		t = NewTCPTransport(opts.Token)
	} else {
		var header http.Header
		if opts.BearerHeader && opts.Token != "" {
			header = http.Header{"Authorization": []string{"Bearer " + opts.Token}}
		}
		t = NewWebSocketTransport(header)
	}
	if err := t.Connect(ctx, dialURL); err != nil {
		return nil, err
	}
	return &Client{opts: opts, transport: t}, nil
}

func (c *Client) Send(env proto.Envelope) error {
	return c.transport.Send(env)
}

// Read returns the next non-heartbeat envelope, answering pings on the way
// unless DisableAutoPong is set.
func (c *Client) Read() (proto.Envelope, error) {
	for {
		env, err := c.transport.Read()
		if err != nil {
			return proto.Envelope{}, err
		}
		switch env.MessageType {
		case proto.TypePing:
			if c.opts.DisableAutoPong {
				continue
			}
			if err := c.transport.Send(proto.Envelope{MessageType: proto.TypePong}); err != nil {
				return proto.Envelope{}, err
			}
		case proto.TypePong:
		default:
			return env, nil
		}
	}
}

func (c *Client) Ping() error {
	return c.transport.Send(proto.Envelope{MessageType: proto.TypePing})
}

// SendState reports a device's complete current object.
func (c *Client) SendState(data map[string]any) error {
	env, err := proto.NewEnvelope("", "", data)
	if err != nil {
		return err
	}
	return c.transport.Send(env)
}

// SendCommand asks deviceID to merge patch into its state.
func (c *Client) SendCommand(deviceID string, patch map[string]any) error {
	env, err := proto.NewEnvelope("", deviceID, patch)
	if err != nil {
		return err
	}
	return c.transport.Send(env)
}

// RequestDevices asks every device of the user to announce itself again.
func (c *Client) RequestDevices() error {
	return c.transport.Send(proto.Envelope{MessageType: proto.TypeGetDevices})
}

func (c *Client) Close() error {
	return c.transport.Close()
}

func (c *Client) OnDeviceList(fn func([]proto.DeviceState)) {
	c.handlerMu.Lock()
	c.onDeviceList = fn
	c.handlerMu.Unlock()
}

// OnCommand is called on a device with its merged state after a user command.
func (c *Client) OnCommand(fn func(state map[string]any)) {
	c.handlerMu.Lock()
	c.onCommand = fn
	c.handlerMu.Unlock()
}

func (c *Client) OnStopped(fn func()) {
	c.handlerMu.Lock()
	c.onStopped = fn
	c.handlerMu.Unlock()
}

// Run dispatches incoming envelopes to the registered handlers until the
// connection ends or ctx is cancelled. Cancellation closes the connection.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		env, err := c.Read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		slog.Debug("Message Received", "type", env.MessageType, "deviceId", env.DeviceID, "size", len(env.Payload))
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env proto.Envelope) {
	c.handlerMu.RLock()
	onDeviceList, onCommand, onStopped := c.onDeviceList, c.onCommand, c.onStopped
	c.handlerMu.RUnlock()

	switch env.MessageType {
	case proto.TypeDeviceList:
		if onDeviceList == nil {
			return
		}
		list, err := proto.DecodeDeviceList(env)
		if err != nil {
			slog.Warn("Invalid device list payload", "error", err)
			return
		}
		onDeviceList(list)

	case proto.TypeUserCommand:
		if onCommand == nil {
			return
		}
		state, err := proto.DecodeObject(env.Payload)
		if err != nil {
			slog.Warn("Invalid command payload", "error", err)
			return
		}
		onCommand(state)

	case proto.TypeUserStopped:
		if onStopped != nil {
			onStopped()
		}

	default:
		slog.Warn("Ignoring unexpected message", "type", env.MessageType)
	}
}
