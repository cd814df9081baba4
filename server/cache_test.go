package server

import (
	"testing"

	"github.com/mbocsi/devrelay/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceCache_LastWriteWins(t *testing.T) {
	c := NewDeviceCache()
	c.Upsert(proto.DeviceState{DeviceID: "d1", DeviceName: "Thermo", DeviceType: "thermostat", Data: map[string]any{"t": 20.0}})
	c.Upsert(proto.DeviceState{DeviceID: "d1", Data: map[string]any{"t": 21.0}})
	c.Upsert(proto.DeviceState{DeviceID: "d1", Data: map[string]any{"t": 19.5, "mode": "eco"}})

	got, ok := c.Get("d1")
	require.True(t, ok)
	assert.Equal(t, "Thermo", got.DeviceName, "identity fields survive updates that omit them")
	assert.Equal(t, "thermostat", got.DeviceType)
	assert.Equal(t, map[string]any{"t": 19.5, "mode": "eco"}, got.Data)
	assert.Equal(t, 1, c.Len())
}

func TestDeviceCache_DataReplacedNotMerged(t *testing.T) {
	c := NewDeviceCache()
	c.Upsert(proto.DeviceState{DeviceID: "d1", Data: map[string]any{"a": 1.0, "b": 2.0}})
	c.Upsert(proto.DeviceState{DeviceID: "d1", Data: map[string]any{"b": 3.0}})

	got, _ := c.Get("d1")
	assert.Equal(t, map[string]any{"b": 3.0}, got.Data)
}

func TestDeviceCache_Remove(t *testing.T) {
	c := NewDeviceCache()
	c.Upsert(proto.DeviceState{DeviceID: "d1"})

	assert.True(t, c.Remove("d1"))
	assert.False(t, c.Remove("d1"))
	assert.False(t, c.Remove("never"))
	assert.Equal(t, 0, c.Len())
}

func TestDeviceCache_SnapshotSortedAndIndependent(t *testing.T) {
	c := NewDeviceCache()
	c.Upsert(proto.DeviceState{DeviceID: "d2", Data: map[string]any{"x": 1.0}})
	c.Upsert(proto.DeviceState{DeviceID: "d1"})

	snap := c.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "d1", snap[0].DeviceID)
	assert.Equal(t, "d2", snap[1].DeviceID)
	assert.NotNil(t, snap[0].Data)

	snap[1].Data["x"] = 99.0
	got, _ := c.Get("d2")
	assert.Equal(t, 1.0, got.Data["x"])
}
