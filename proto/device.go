package proto

import (
	"fmt"
	"maps"
)

// DeviceState is the full object a device announces about itself.
type DeviceState struct {
	DeviceID   string         `json:"deviceId"`
	DeviceName string         `json:"deviceName"`
	DeviceType string         `json:"deviceType"`
	Data       map[string]any `json:"data"` // opaque, owned by the device firmware
}

// DeviceListPayload is the payload of a deviceList push to a user socket.
type DeviceListPayload struct {
	Devices []DeviceState `json:"devices"`
}

// Clone returns a copy whose Data map can be mutated independently (shallow per key).
func (d DeviceState) Clone() DeviceState {
	d.Data = maps.Clone(d.Data)
	if d.Data == nil {
		d.Data = map[string]any{}
	}
	return d
}

// MergeData applies a partial update: every top-level key of patch overwrites the
// corresponding key in Data. Nested objects are replaced, not merged.
func (d *DeviceState) MergeData(patch map[string]any) {
	if d.Data == nil {
		d.Data = make(map[string]any, len(patch))
	}
	maps.Copy(d.Data, patch)
}

// DecodeDeviceList reads the devices out of a deviceList push.
func DecodeDeviceList(env Envelope) ([]DeviceState, error) {
	if env.MessageType != TypeDeviceList {
		return nil, fmt.Errorf("expected %s envelope, got %q", TypeDeviceList, env.MessageType)
	}
	var p DeviceListPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid device list payload: %w", err)
	}
	return p.Devices, nil
}
