package server

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/devrelay/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTCP(t *testing.T, opts TransportOptions, onConnect ConnectFunc) (*TCPTransport, string) {
	t.Helper()
	tr := NewTCPTransport("127.0.0.1:0", opts)
	tr.OnConnect(onConnect)
	ln, err := net.Listen("tcp", tr.Addr)
	require.NoError(t, err)
	go tr.Serve(ln)
	t.Cleanup(func() { tr.Shutdown() })
	return tr, ln.Addr().String()
}

func readCloseLine(t *testing.T, c net.Conn) proto.ClosePayload {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(waitFor)))
	sc := bufio.NewScanner(c)
	require.True(t, sc.Scan(), "expected a close line")
	env, err := proto.Decode(sc.Bytes())
	require.NoError(t, err)
	require.Equal(t, proto.TypeClose, env.MessageType)
	var p proto.ClosePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	return p
}

func TestTCPTransport_HelloReachesServer(t *testing.T) {
	got := make(chan Handshake, 1)
	_, addr := startTCP(t, TransportOptions{}, func(hs Handshake, s Socket) {
		got <- hs
		frame, err := s.ReadFrame()
		if err == nil {
			s.WriteFrame(frame)
		}
		s.Close(1000, "bye")
	})

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte(`{"token":"t","userId":"u1","role":"device","deviceId":"d1","deviceName":"Hall","deviceType":"thermostat"}` + "\n\n" + `{"messageType":"ping"}` + "\n"))
	require.NoError(t, err)

	select {
	case hs := <-got:
		assert.Equal(t, "t", hs.Token)
		assert.Equal(t, deviceIdentityNamed("u1", "d1", "Hall"), hs.Identity)
	case <-time.After(waitFor):
		t.Fatal("hello never reached the server")
	}

	require.NoError(t, c.SetReadDeadline(time.Now().Add(waitFor)))
	sc := bufio.NewScanner(c)
	require.True(t, sc.Scan())
	assert.JSONEq(t, `{"messageType":"ping"}`, sc.Text())
	require.True(t, sc.Scan())
	assert.Contains(t, sc.Text(), `"code":1000`)
}

func TestTCPTransport_BadHello(t *testing.T) {
	_, addr := startTCP(t, TransportOptions{}, func(Handshake, Socket) { t.Error("bad hello was accepted") })

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("not json\n"))
	require.NoError(t, err)

	assert.Equal(t, proto.CloseMissingIdentity, readCloseLine(t, c).Code)
}

func TestTCPTransport_HandshakeTimeout(t *testing.T) {
	_, addr := startTCP(t, TransportOptions{HandshakeTimeout: 50 * time.Millisecond}, func(Handshake, Socket) {})

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, proto.CloseMissingIdentity, readCloseLine(t, c).Code)
}

func TestTCPTransport_MaxClients(t *testing.T) {
	release := make(chan struct{})
	tr, addr := startTCP(t, TransportOptions{MaxClients: 1}, func(Handshake, Socket) { <-release })
	defer close(release)

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()
	_, err = first.Write([]byte(`{"userId":"u1","role":"user"}` + "\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tr.Meta().Active == 1 }, waitFor, 10*time.Millisecond)

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, websocket.CloseTryAgainLater, readCloseLine(t, second).Code)
}
