package client

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/mbocsi/devrelay/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lineServer accepts one connection, hands back the hello line and lets the
// test script the rest of the exchange.
func lineServer(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	conns := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		conns <- c
	}()
	return "tcp://" + ln.Addr().String(), conns
}

func TestTCPTransport_HelloSendAndClose(t *testing.T) {
	addr, conns := lineServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, Options{URL: addr, Token: "tok", UserID: "u1", Role: RoleDevice, DeviceID: "d1", BearerHeader: true})
	require.NoError(t, err)
	defer c.Close()

	var srv net.Conn
	select {
	case srv = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
	}
	defer srv.Close()
	r := bufio.NewScanner(srv)

	require.True(t, r.Scan())
	var hello proto.Hello
	require.NoError(t, json.Unmarshal(r.Bytes(), &hello))
	assert.Equal(t, proto.Hello{Token: "tok", UserID: "u1", Role: "device", DeviceID: "d1"}, hello)

	require.NoError(t, c.SendState(map[string]any{"on": true}))
	require.True(t, r.Scan())
	env, err := proto.Decode(r.Bytes())
	require.NoError(t, err)
	assert.JSONEq(t, `{"on":true}`, string(env.Payload))

	_, err = srv.Write([]byte(`{"messageType":"ping"}` + "\n" + `{"messageType":"close","payload":{"code":4401,"reason":"unauthorized"}}` + "\n"))
	require.NoError(t, err)

	_, err = c.Read()
	require.Error(t, err)
	assert.Equal(t, proto.CloseAuthFailed, CloseCode(err))

	// The auto-pong went out before the close line was read.
	require.True(t, r.Scan())
	env, err = proto.Decode(r.Bytes())
	require.NoError(t, err)
	assert.Equal(t, proto.TypePong, env.MessageType)
}

func TestDiscoveredService_URL(t *testing.T) {
	ws := &DiscoveredService{Address: "192.168.1.5", Port: 8080, Transport: "websocket", TXTRecords: []string{"path=/relay"}}
	assert.Equal(t, "ws://192.168.1.5:8080/relay", ws.URL())

	ws.TXTRecords = nil
	assert.Equal(t, "ws://192.168.1.5:8080/ws", ws.URL())

	tcp := &DiscoveredService{Address: "fe80::1", Port: 9100, Transport: "tcp"}
	assert.Equal(t, "tcp://[fe80::1]:9100", tcp.URL())
}
