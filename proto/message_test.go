package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_Validate(t *testing.T) {
	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"getDevices without device", Envelope{MessageType: TypeGetDevices}, false},
		{"userStopped", Envelope{MessageType: TypeUserStopped}, false},
		{"announce ok", Envelope{MessageType: TypeDeviceAnnounce, DeviceID: "d1", Payload: []byte(`{}`)}, false},
		{"announce without device", Envelope{MessageType: TypeDeviceAnnounce, Payload: []byte(`{}`)}, true},
		{"command without payload", Envelope{MessageType: TypeUserCommand, DeviceID: "d1"}, true},
		{"remove ok", Envelope{MessageType: TypeRemoveDevice, DeviceID: "d1"}, false},
		{"ping is not a bus type", Envelope{MessageType: TypePing}, true},
		{"unknown", Envelope{MessageType: "bogus"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.env.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEnvelope_IsHeartbeat(t *testing.T) {
	assert.True(t, Envelope{MessageType: TypePing}.IsHeartbeat())
	assert.True(t, Envelope{MessageType: TypePong}.IsHeartbeat())
	assert.False(t, Envelope{MessageType: TypeDeviceUpdate}.IsHeartbeat())
}

func TestNewEnvelope_EncodesPayload(t *testing.T) {
	env, err := NewEnvelope(TypeDeviceAnnounce, "d1", DeviceState{DeviceID: "d1", DeviceName: "Thermostat", DeviceType: "sensor", Data: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, "d1", env.DeviceID)
	assert.NotZero(t, env.Timestamp)
	assert.JSONEq(t, `{"deviceId":"d1","deviceName":"Thermostat","deviceType":"sensor","data":{}}`, string(env.Payload))

	bare, err := NewEnvelope(TypeGetDevices, "", nil)
	require.NoError(t, err)
	assert.Empty(t, bare.Payload)

	frame, err := Encode(bare)
	require.NoError(t, err)
	assert.NotContains(t, string(frame), "payload")
	assert.NotContains(t, string(frame), "deviceId")
}

func TestDecode_InvalidFrame(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)
}

func TestDecodeObject(t *testing.T) {
	obj, err := DecodeObject(nil)
	require.NoError(t, err)
	assert.NotNil(t, obj)
	assert.Empty(t, obj)

	obj, err = DecodeObject([]byte(`{"setpoint":72}`))
	require.NoError(t, err)
	assert.Equal(t, float64(72), obj["setpoint"])

	_, err = DecodeObject([]byte(`[1,2]`))
	assert.ErrorIs(t, err, ErrNotObject)

	_, err = DecodeObject([]byte(`null`))
	assert.ErrorIs(t, err, ErrNotObject)
}

func TestDecodeDevice_EnvelopeIDWins(t *testing.T) {
	env := Envelope{MessageType: TypeDeviceUpdate, DeviceID: "d1", Payload: []byte(`{"deviceId":"other","deviceName":"Lamp","data":{"on":true}}`)}
	state, err := DecodeDevice(env)
	require.NoError(t, err)
	assert.Equal(t, "d1", state.DeviceID)
	assert.Equal(t, "Lamp", state.DeviceName)
	assert.Equal(t, true, state.Data["on"])

	_, err = DecodeDevice(Envelope{MessageType: TypeDeviceUpdate, Payload: []byte(`{}`)})
	assert.Error(t, err)
}

func TestDeviceState_MergeData(t *testing.T) {
	d := DeviceState{DeviceID: "d1", Data: map[string]any{"setpoint": 68, "mode": "heat"}}
	d.MergeData(map[string]any{"setpoint": 72})
	assert.Equal(t, map[string]any{"setpoint": 72, "mode": "heat"}, d.Data)

	var empty DeviceState
	empty.MergeData(map[string]any{"on": true})
	assert.Equal(t, true, empty.Data["on"])
}

func TestDeviceState_CloneIsIndependent(t *testing.T) {
	d := DeviceState{DeviceID: "d1", Data: map[string]any{"a": 1}}
	c := d.Clone()
	c.Data["a"] = 2
	assert.Equal(t, 1, d.Data["a"])

	assert.NotNil(t, DeviceState{}.Clone().Data)
}
