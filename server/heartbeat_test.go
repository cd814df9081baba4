package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeat_PingPongCycle(t *testing.T) {
	h := NewHeartbeat(time.Hour, time.Hour)
	defer h.Stop()

	assert.Equal(t, HeartbeatIdle, h.State())
	assert.Nil(t, h.Deadline(), "no deadline while idle")
	assert.False(t, h.Pong(), "pong while idle is a no-op")

	h.PingSent()
	assert.Equal(t, HeartbeatPingSent, h.State())
	assert.NotNil(t, h.Deadline())

	assert.True(t, h.Pong())
	assert.Equal(t, HeartbeatIdle, h.State())
	assert.Nil(t, h.Deadline())
}

func TestHeartbeat_DeadlineFires(t *testing.T) {
	h := NewHeartbeat(time.Hour, 20*time.Millisecond)
	defer h.Stop()

	h.PingSent()
	select {
	case <-h.Deadline():
	case <-time.After(time.Second):
		t.Fatal("deadline did not fire")
	}
	h.Expire()
	assert.Equal(t, HeartbeatDead, h.State())
	assert.Nil(t, h.Deadline())
}

func TestHeartbeat_RepeatedPingDoesNotExtendDeadline(t *testing.T) {
	h := NewHeartbeat(time.Hour, 200*time.Millisecond)
	defer h.Stop()

	h.PingSent()
	first := h.Deadline()
	time.Sleep(120 * time.Millisecond)
	h.PingSent()
	assert.Equal(t, first, h.Deadline())

	select {
	case <-h.Deadline():
	case <-time.After(150 * time.Millisecond):
		t.Fatal("second ping extended the deadline")
	}
}

func TestHeartbeat_TickerFires(t *testing.T) {
	h := NewHeartbeat(10*time.Millisecond, time.Hour)
	defer h.Stop()

	select {
	case <-h.Tick():
	case <-time.After(time.Second):
		t.Fatal("ticker did not fire")
	}
}

func TestHeartbeat_StopDisarms(t *testing.T) {
	h := NewHeartbeat(10*time.Millisecond, 10*time.Millisecond)
	h.PingSent()
	h.Stop()
	h.Stop()

	require.Nil(t, h.Tick())
	require.Nil(t, h.Deadline())
	h.PingSent()
	assert.Nil(t, h.Deadline(), "a stopped monitor never re-arms")
}
