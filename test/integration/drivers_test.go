//go:build integration

package integration

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/mbocsi/devrelay/broker"
	"github.com/mbocsi/devrelay/client"
	"github.com/mbocsi/devrelay/proto"
	"github.com/stretchr/testify/require"
)

// These tests need live brokers:
//
//	RELAY_TEST_REDIS=127.0.0.1:6379 RELAY_TEST_NATS=nats://127.0.0.1:4222 go test -tags integration ./test/integration
func dialDriver(t *testing.T, driver string) broker.Bus {
	t.Helper()
	opts := broker.Options{Driver: driver, Attempts: 3}
	switch driver {
	case "redis":
		addr := os.Getenv("RELAY_TEST_REDIS")
		if addr == "" {
			t.Skip("RELAY_TEST_REDIS not set")
		}
		opts.Redis = broker.RedisOptions{Addr: addr, Prefix: "devrelay-test:" + t.Name() + ":"}
	case "nats":
		servers := os.Getenv("RELAY_TEST_NATS")
		if servers == "" {
			t.Skip("RELAY_TEST_NATS not set")
		}
		opts.NATS = broker.NATSOptions{Servers: strings.Split(servers, ","), SubjectPrefix: "devrelay-test"}
	}
	bus, err := broker.Dial(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	return bus
}

func testDriver(t *testing.T, driver string) {
	// Separate connections to the broker stand in for separate processes.
	_, urlA := startRelay(t, dialDriver(t, driver), nil)
	_, urlB := startRelay(t, dialDriver(t, driver), nil)

	dev := dial(t, urlA, client.Options{UserID: "carol", Role: client.RoleDevice, DeviceID: "lamp"})
	go dev.Run(t.Context())
	require.NoError(t, dev.SendState(map[string]any{"on": false}))

	user := dial(t, urlB, client.Options{UserID: "carol", Role: client.RoleUser})
	lists := deviceLists(t, user)
	waitList(t, lists, func(m map[string]proto.DeviceState) bool { _, ok := m["lamp"]; return ok })

	require.NoError(t, user.SendCommand("lamp", map[string]any{"on": true}))
	waitList(t, lists, func(m map[string]proto.DeviceState) bool { return m["lamp"].Data["on"] == true })

	require.NoError(t, dev.Close())
	waitList(t, lists, func(m map[string]proto.DeviceState) bool { return len(m) == 0 })
}

func TestRedisBus(t *testing.T) { testDriver(t, "redis") }

func TestNATSBus(t *testing.T) { testDriver(t, "nats") }
