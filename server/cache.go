package server

import (
	"slices"
	"strings"

	"github.com/mbocsi/devrelay/proto"
)

// DeviceCache is a user connection's view of the user's devices, rebuilt purely
// from announce/update/remove envelopes. It is owned by one connection's event
// loop and is not safe for concurrent use.
type DeviceCache struct {
	devices map[string]proto.DeviceState
}

func NewDeviceCache() *DeviceCache {
	return &DeviceCache{devices: make(map[string]proto.DeviceState)}
}

// Upsert applies an announce or update. Identity fields present in state overwrite
// the entry; Data, when present, replaces the previous Data entirely. The last
// applied envelope wins.
func (c *DeviceCache) Upsert(state proto.DeviceState) {
	entry, ok := c.devices[state.DeviceID]
	if !ok {
		entry = proto.DeviceState{DeviceID: state.DeviceID}
	}
	if state.DeviceName != "" {
		entry.DeviceName = state.DeviceName
	}
	if state.DeviceType != "" {
		entry.DeviceType = state.DeviceType
	}
	if state.Data != nil || entry.Data == nil {
		entry.Data = state.Clone().Data
	}
	c.devices[state.DeviceID] = entry
}

// Remove deletes deviceID and reports whether it was present.
func (c *DeviceCache) Remove(deviceID string) bool {
	if _, ok := c.devices[deviceID]; !ok {
		return false
	}
	delete(c.devices, deviceID)
	return true
}

func (c *DeviceCache) Get(deviceID string) (proto.DeviceState, bool) {
	d, ok := c.devices[deviceID]
	return d, ok
}

func (c *DeviceCache) Len() int {
	return len(c.devices)
}

// Snapshot returns copies of every entry ordered by device ID.
func (c *DeviceCache) Snapshot() []proto.DeviceState {
	out := make([]proto.DeviceState, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d.Clone())
	}
	slices.SortFunc(out, func(a, b proto.DeviceState) int {
		return strings.Compare(a.DeviceID, b.DeviceID)
	})
	return out
}
