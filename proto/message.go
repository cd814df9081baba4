package proto

import (
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Bus envelope types. These are the only values that cross process boundaries.
const (
	TypeGetDevices     = "getDevices"
	TypeDeviceAnnounce = "deviceAnnounce"
	TypeDeviceUpdate   = "deviceUpdate"
	TypeUserCommand    = "userCommand"
	TypeRemoveDevice   = "removeDevice"
	TypeUserStopped    = "userStopped"
)

// Reserved heartbeat types. They never enter the relay data path.
const (
	TypePing = "ping"
	TypePong = "pong"
)

// TypeDeviceList is pushed to user sockets only; it never travels on the bus.
const TypeDeviceList = "deviceList"

type Envelope struct {
	MessageType string              `json:"messageType"`         // one of the Type* constants
	DeviceID    string              `json:"deviceId,omitempty"`  // routing key for device-scoped envelopes
	Payload     jsoniter.RawMessage `json:"payload,omitempty"`   // object; schema depends on MessageType
	Sender      string              `json:"sender,omitempty"`    // connection ID of the publisher
	Timestamp   int64               `json:"timestamp,omitempty"` // UNIX milliseconds at publish time
}

// IsHeartbeat reports whether the envelope is a ping/pong control message.
func (e Envelope) IsHeartbeat() bool {
	return e.MessageType == TypePing || e.MessageType == TypePong
}

// IsBusType reports whether t is a valid bus envelope type.
func IsBusType(t string) bool {
	switch t {
	case TypeGetDevices, TypeDeviceAnnounce, TypeDeviceUpdate, TypeUserCommand, TypeRemoveDevice, TypeUserStopped:
		return true
	}
	return false
}

// Validate checks the envelope carries the identity needed to route it without shared state.
func (e Envelope) Validate() error {
	if !IsBusType(e.MessageType) {
		return fmt.Errorf("unknown message type %q", e.MessageType)
	}
	switch e.MessageType {
	case TypeDeviceAnnounce, TypeDeviceUpdate, TypeUserCommand, TypeRemoveDevice:
		if e.DeviceID == "" {
			return fmt.Errorf("%s envelope requires a deviceId", e.MessageType)
		}
	}
	switch e.MessageType {
	case TypeDeviceAnnounce, TypeDeviceUpdate, TypeUserCommand:
		if len(e.Payload) == 0 {
			return fmt.Errorf("%s envelope requires a payload", e.MessageType)
		}
	}
	return nil
}

// NewEnvelope builds an envelope, encoding payload when it is non-nil.
func NewEnvelope(messageType, deviceID string, payload any) (Envelope, error) {
	env := Envelope{MessageType: messageType, DeviceID: deviceID, Timestamp: time.Now().UnixMilli()}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", messageType, err)
	}
	env.Payload = raw
	return env, nil
}

// Encode serialises an envelope for the bus or a socket frame.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses a single envelope frame.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	return env, nil
}

var ErrNotObject = errors.New("payload is not a JSON object")

// DecodeObject decodes an envelope payload that must be a JSON object.
// An empty payload yields an empty, non-nil map.
func DecodeObject(raw jsoniter.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if obj == nil {
		return nil, ErrNotObject
	}
	return obj, nil
}

// DecodeDevice decodes a deviceAnnounce/deviceUpdate payload. The envelope deviceId
// takes precedence over any deviceId carried in the payload.
func DecodeDevice(env Envelope) (DeviceState, error) {
	var state DeviceState
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &state); err != nil {
			return DeviceState{}, fmt.Errorf("invalid device payload: %w", err)
		}
	}
	if env.DeviceID != "" {
		state.DeviceID = env.DeviceID
	}
	if state.DeviceID == "" {
		return DeviceState{}, errors.New("device payload has no deviceId")
	}
	return state, nil
}
