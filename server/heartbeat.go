package server

import (
	"time"
)

type HeartbeatState int

const (
	HeartbeatIdle HeartbeatState = iota
	HeartbeatPingSent
	HeartbeatDead
)

func (s HeartbeatState) String() string {
	switch s {
	case HeartbeatIdle:
		return "idle"
	case HeartbeatPingSent:
		return "ping_sent"
	case HeartbeatDead:
		return "dead"
	}
	return "unknown"
}

// Heartbeat is the ping/pong liveness state machine of one connection. It is owned
// by the connection's event loop and is not safe for concurrent use.
//
//	IDLE -> PING_SENT -> (pong) IDLE
//	                  -> (deadline) DEAD
type Heartbeat struct {
	interval time.Duration
	timeout  time.Duration
	state    HeartbeatState
	ticker   *time.Ticker
	deadline *time.Timer
	stopped  bool
}

func NewHeartbeat(interval, timeout time.Duration) *Heartbeat {
	return &Heartbeat{
		interval: interval,
		timeout:  timeout,
		ticker:   time.NewTicker(interval),
	}
}

func (h *Heartbeat) State() HeartbeatState {
	return h.state
}

// Tick fires every ping interval.
func (h *Heartbeat) Tick() <-chan time.Time {
	if h.stopped {
		return nil
	}
	return h.ticker.C
}

// Deadline fires when a pong is overdue. It is nil, and so never ready, unless a
// ping is outstanding.
func (h *Heartbeat) Deadline() <-chan time.Time {
	if h.deadline == nil || h.state != HeartbeatPingSent {
		return nil
	}
	return h.deadline.C
}

// PingSent records that a ping went out. The pong deadline is armed only on the
// IDLE -> PING_SENT transition; further pings do not extend it.
func (h *Heartbeat) PingSent() {
	if h.state != HeartbeatIdle || h.stopped {
		return
	}
	h.state = HeartbeatPingSent
	h.deadline = time.NewTimer(h.timeout)
}

// Pong records a pong. It reports whether it completed an outstanding ping; a pong
// while idle is a no-op.
func (h *Heartbeat) Pong() bool {
	if h.state != HeartbeatPingSent {
		return false
	}
	h.state = HeartbeatIdle
	h.stopDeadline()
	return true
}

// Expire moves the monitor to DEAD after the deadline fired.
func (h *Heartbeat) Expire() {
	h.state = HeartbeatDead
	h.stopDeadline()
}

// Stop cancels the ticker and any pending deadline. Safe to call more than once.
func (h *Heartbeat) Stop() {
	h.stopped = true
	h.ticker.Stop()
	h.stopDeadline()
}

func (h *Heartbeat) stopDeadline() {
	if h.deadline != nil {
		h.deadline.Stop()
		h.deadline = nil
	}
}
