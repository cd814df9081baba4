package server

import (
	"sync"
	"testing"

	"github.com/mbocsi/devrelay/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdleConnection(id Identity) *Connection {
	topics := broker.NewTopics(broker.NewMemoryBus(0))
	return newConnection(id, newFakeSocket(), topics, ConnectionOptions{SendQueue: 8, BusQueue: 8}, NewMetrics())
}

func isClosed(c *Connection) bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func TestRegistry_RegisterLookup(t *testing.T) {
	r := NewConnectionRegistry()
	c := newIdleConnection(userIdentity("u1"))

	assert.Nil(t, r.Register(c))
	got, ok := r.Lookup(Key{UserID: "u1", Role: RoleUser})
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_SupersedeClosesPrevious(t *testing.T) {
	r := NewConnectionRegistry()
	old := newIdleConnection(deviceIdentity("u1", "d1"))
	replacement := newIdleConnection(deviceIdentity("u1", "d1"))

	r.Register(old)
	prev := r.Register(replacement)

	assert.Same(t, old, prev)
	assert.True(t, isClosed(old))
	assert.Equal(t, ReasonSuperseded, old.Reason())
	assert.False(t, isClosed(replacement))

	got, _ := r.Lookup(replacement.Identity.Key())
	assert.Same(t, replacement, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_RoleAndDeviceAreSeparateKeys(t *testing.T) {
	r := NewConnectionRegistry()
	conns := []*Connection{
		newIdleConnection(userIdentity("u1")),
		newIdleConnection(deviceIdentity("u1", "d1")),
		newIdleConnection(deviceIdentity("u1", "d2")),
		newIdleConnection(userIdentity("u2")),
	}
	for _, c := range conns {
		assert.Nil(t, r.Register(c))
	}
	for _, c := range conns {
		assert.False(t, isClosed(c))
	}
	assert.Equal(t, 4, r.Len())
	assert.Len(t, r.ListUser("u1"), 3)
	assert.Empty(t, r.ListUser("nobody"))
}

func TestRegistry_DeregisterOnlyRemovesOwner(t *testing.T) {
	r := NewConnectionRegistry()
	old := newIdleConnection(userIdentity("u1"))
	replacement := newIdleConnection(userIdentity("u1"))
	r.Register(old)
	r.Register(replacement)

	assert.False(t, r.Deregister(old), "superseded connection must not evict its replacement")
	_, ok := r.Lookup(replacement.Identity.Key())
	assert.True(t, ok)

	assert.True(t, r.Deregister(replacement))
	assert.False(t, r.Deregister(replacement))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ListSortedByKey(t *testing.T) {
	r := NewConnectionRegistry()
	r.Register(newIdleConnection(deviceIdentity("u2", "b")))
	r.Register(newIdleConnection(userIdentity("u1")))
	r.Register(newIdleConnection(deviceIdentity("u2", "a")))

	var keys []string
	for _, c := range r.List() {
		keys = append(keys, c.Identity.Key().String())
	}
	assert.Equal(t, []string{"u1/user", "u2/device/a", "u2/device/b"}, keys)
}

func TestRegistry_ConcurrentSupersedeLeavesOneLive(t *testing.T) {
	r := NewConnectionRegistry()
	const n = 32
	conns := make([]*Connection, n)
	for i := range conns {
		conns[i] = newIdleConnection(deviceIdentity("u1", "d1"))
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register(c)
		}()
	}
	wg.Wait()

	live, ok := r.Lookup(Key{UserID: "u1", Role: RoleDevice, DeviceID: "d1"})
	require.True(t, ok)
	closed := 0
	for _, c := range conns {
		if isClosed(c) {
			closed++
			assert.NotSame(t, live, c)
		}
	}
	assert.Equal(t, n-1, closed)
}
