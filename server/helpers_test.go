package server

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mbocsi/devrelay/auth"
	"github.com/mbocsi/devrelay/broker"
	"github.com/mbocsi/devrelay/config"
	"github.com/mbocsi/devrelay/proto"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

var errSocketClosed = errors.New("socket closed")

// fakeSocket is an in-memory Socket. Frames the client "sends" are pushed with
// push; frames the server writes arrive decoded on out.
type fakeSocket struct {
	in     chan []byte
	out    chan proto.Envelope
	closed chan struct{}

	once   sync.Once
	mu     sync.Mutex
	code   int
	reason string
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 16),
		out:    make(chan proto.Envelope, 256),
		closed: make(chan struct{}),
		code:   -1,
	}
}

func (s *fakeSocket) ReadFrame() ([]byte, error) {
	select {
	case b := <-s.in:
		return b, nil
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *fakeSocket) WriteFrame(data []byte) error {
	env, err := proto.Decode(data)
	if err != nil {
		return err
	}
	select {
	case <-s.closed:
		return errSocketClosed
	default:
	}
	s.out <- env
	return nil
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.code, s.reason = code, reason
		s.mu.Unlock()
		close(s.closed)
	})
	return nil
}

func (s *fakeSocket) closeCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

func (s *fakeSocket) push(t *testing.T, env proto.Envelope) {
	t.Helper()
	data, err := proto.Encode(env)
	require.NoError(t, err)
	select {
	case s.in <- data:
	case <-time.After(waitFor):
		t.Fatal("socket read side is not being drained")
	}
}

// hangup simulates the peer going away.
func (s *fakeSocket) hangup() {
	s.Close(-1, "")
}

func (s *fakeSocket) waitClosed(t *testing.T) int {
	t.Helper()
	select {
	case <-s.closed:
	case <-time.After(waitFor):
		t.Fatal("socket was not closed")
	}
	return s.closeCode()
}

// expect returns the next frame of type messageType written to the socket,
// skipping any other frames.
func (s *fakeSocket) expect(t *testing.T, messageType string) proto.Envelope {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case env := <-s.out:
			if env.MessageType == messageType {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", messageType)
			return proto.Envelope{}
		}
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Auth.Secret = "test-secret"
	cfg.Heartbeat.PingInterval = time.Hour
	cfg.Heartbeat.PongTimeout = time.Hour
	return cfg
}

func testGate(t *testing.T) auth.Gate {
	t.Helper()
	gate, err := auth.NewJWTGate(auth.JWTOptions{Secret: []byte("test-secret")})
	require.NoError(t, err)
	return gate
}

func testToken(t *testing.T, owner string) string {
	t.Helper()
	token, err := auth.Sign(auth.JWTOptions{Secret: []byte("test-secret")}, owner, time.Hour)
	require.NoError(t, err)
	return token
}

func newTestServer(t *testing.T, cfg config.Config, bus broker.Bus) *RelayServer {
	t.Helper()
	s, err := NewRelayServer(Options{Config: cfg, Gate: testGate(t), Bus: bus})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.cancel()
		s.wg.Wait()
		s.topics.Close()
	})
	return s
}

// busTap subscribes to a user topic and records every envelope published on it.
func busTap(t *testing.T, bus broker.Bus, topic string) <-chan proto.Envelope {
	t.Helper()
	ch := make(chan proto.Envelope, 256)
	sub, err := bus.Subscribe(t.Context(), topic, func(env proto.Envelope) { ch <- env })
	require.NoError(t, err)
	t.Cleanup(func() { sub.Unsubscribe() })
	return ch
}

func expectBus(t *testing.T, ch <-chan proto.Envelope, messageType string) proto.Envelope {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case env := <-ch:
			if env.MessageType == messageType {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s on the bus", messageType)
			return proto.Envelope{}
		}
	}
}

// countBus counts envelopes of messageType until the channel stays quiet for quiet.
func countBus(ch <-chan proto.Envelope, messageType string, quiet time.Duration) int {
	n := 0
	for {
		select {
		case env := <-ch:
			if env.MessageType == messageType {
				n++
			}
		case <-time.After(quiet):
			return n
		}
	}
}

func userIdentity(userID string) Identity {
	return Identity{UserID: userID, Role: RoleUser}
}

func deviceIdentity(userID, deviceID string) Identity {
	return Identity{UserID: userID, Role: RoleDevice, DeviceID: deviceID, DeviceName: "Device " + deviceID, DeviceType: "thermostat"}
}

// connect runs a fake client through ServeConn in the background.
func connect(t *testing.T, s *RelayServer, id Identity) (*fakeSocket, <-chan struct{}) {
	t.Helper()
	sock := newFakeSocket()
	hs := Handshake{Token: testToken(t, id.UserID), Identity: id, RemoteAddr: "test"}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.ServeConn(hs, sock)
	}()
	return sock, done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("connection did not finish cleanup")
	}
}
