package integration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/mbocsi/devrelay/auth"
	"github.com/mbocsi/devrelay/broker"
	"github.com/mbocsi/devrelay/client"
	"github.com/mbocsi/devrelay/config"
	"github.com/mbocsi/devrelay/proto"
	"github.com/mbocsi/devrelay/server"
	"github.com/stretchr/testify/require"
)

const (
	secret  = "integration-secret"
	waitFor = 3 * time.Second
)

// startRelay runs a relay process on a random local port and returns its
// WebSocket URL. Every relay started on the same bus behaves like a separate
// server process of one deployment.
func startRelay(t *testing.T, bus broker.Bus, tweak func(*config.Config)) (*server.RelayServer, string) {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.Secret = secret
	cfg.Listen = "127.0.0.1:0"
	if tweak != nil {
		tweak(&cfg)
	}

	gate, err := auth.NewJWTGate(auth.JWTOptions{Secret: []byte(secret)})
	require.NoError(t, err)
	relay, err := server.NewRelayServer(server.Options{Config: cfg, Gate: gate, Bus: bus})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", cfg.Listen)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- relay.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("relay shutdown: %v", err)
			}
		case <-time.After(waitFor):
			t.Error("relay did not shut down")
		}
	})
	return relay, fmt.Sprintf("ws://%s%s", ln.Addr().String(), cfg.Path)
}

func token(t *testing.T, owner string) string {
	t.Helper()
	tok, err := auth.Sign(auth.JWTOptions{Secret: []byte(secret)}, owner, time.Hour)
	require.NoError(t, err)
	return tok
}

func dial(t *testing.T, url string, opts client.Options) *client.Client {
	t.Helper()
	opts.URL = url
	opts.Token = token(t, opts.UserID)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	c, err := client.Dial(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// deviceLists forwards every deviceList a user client receives.
func deviceLists(t *testing.T, c *client.Client) <-chan map[string]proto.DeviceState {
	t.Helper()
	ch := make(chan map[string]proto.DeviceState, 64)
	c.OnDeviceList(func(list []proto.DeviceState) {
		m := make(map[string]proto.DeviceState, len(list))
		for _, d := range list {
			m[d.DeviceID] = d
		}
		ch <- m
	})
	go c.Run(t.Context())
	return ch
}

func waitList(t *testing.T, ch <-chan map[string]proto.DeviceState, ok func(map[string]proto.DeviceState) bool) map[string]proto.DeviceState {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case m := <-ch:
			if ok(m) {
				return m
			}
		case <-deadline:
			t.Fatal("timed out waiting for device list")
			return nil
		}
	}
}
