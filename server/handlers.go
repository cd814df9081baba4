package server

import (
	"context"

	"github.com/mbocsi/devrelay/proto"
)

// HandleSocket handles a data frame from the local client. Heartbeat frames are
// filtered out by the connection before they get here.
func (r *Relay) HandleSocket(ctx context.Context, env proto.Envelope) {
	switch r.identity.Role {
	case RoleUser:
		r.handleUserFrame(ctx, env)
	case RoleDevice:
		r.handleDeviceFrame(ctx, env)
	}
}

// HandleBus handles an envelope delivered on the connection's topic.
func (r *Relay) HandleBus(ctx context.Context, env proto.Envelope) {
	r.metrics.Received.WithLabelValues(env.MessageType).Inc()
	switch r.identity.Role {
	case RoleUser:
		r.handleUserBus(env)
	case RoleDevice:
		r.handleDeviceBus(ctx, env)
	}
}

// ---------- user role ---------- //

func (r *Relay) handleUserFrame(ctx context.Context, env proto.Envelope) {
	if env.MessageType == proto.TypeGetDevices {
		r.publish(ctx, proto.TypeGetDevices, "", nil)
		return
	}
	if env.DeviceID == "" || len(env.Payload) == 0 {
		r.log.Debug("Ignoring user frame without deviceId or payload", "type", env.MessageType)
		return
	}
	if _, err := proto.DecodeObject(env.Payload); err != nil {
		r.log.Warn("Ignoring user command with non-object payload", "deviceId", env.DeviceID, "error", err)
		return
	}
	// A partial update: the device merges it into its own state.
	r.publishEnvelope(ctx, proto.Envelope{
		MessageType: proto.TypeUserCommand,
		DeviceID:    env.DeviceID,
		Payload:     env.Payload,
	})
}

func (r *Relay) handleUserBus(env proto.Envelope) {
	switch env.MessageType {
	case proto.TypeDeviceAnnounce, proto.TypeDeviceUpdate:
		state, err := proto.DecodeDevice(env)
		if err != nil {
			r.log.Warn("Discarding invalid device envelope", "type", env.MessageType, "error", err)
			return
		}
		r.cache.Upsert(state)
		r.pushDevices()

	case proto.TypeRemoveDevice:
		if env.DeviceID == "" {
			return
		}
		r.cache.Remove(env.DeviceID)
		// Push even if the device was unknown so the client never shows a removed device.
		r.pushDevices()

	default:
		// getDevices is a request for devices, userCommand/userStopped target devices.
	}
}

// ---------- device role ---------- //

func (r *Relay) handleDeviceFrame(ctx context.Context, env proto.Envelope) {
	if len(env.Payload) == 0 {
		r.log.Debug("Ignoring device frame without payload", "type", env.MessageType)
		return
	}
	data, err := proto.DecodeObject(env.Payload)
	if err != nil {
		r.log.Warn("Ignoring device frame with non-object payload", "error", err)
		return
	}
	// Devices always send their complete object: replace, never patch.
	r.device.Data = data
	r.publish(ctx, proto.TypeDeviceUpdate, r.device.DeviceID, r.device)
}

func (r *Relay) handleDeviceBus(ctx context.Context, env proto.Envelope) {
	switch env.MessageType {
	case proto.TypeGetDevices:
		r.publish(ctx, proto.TypeDeviceAnnounce, r.device.DeviceID, r.device)

	case proto.TypeUserCommand:
		// The topic is shared by all of the user's devices.
		if env.DeviceID != r.device.DeviceID {
			return
		}
		patch, err := proto.DecodeObject(env.Payload)
		if err != nil {
			r.log.Warn("Discarding user command with non-object payload", "error", err)
			return
		}
		r.device.MergeData(patch)

		cmd, err := proto.NewEnvelope(proto.TypeUserCommand, r.device.DeviceID, r.device.Data)
		if err != nil {
			r.log.Error("Failed to encode merged state", "error", err)
			return
		}
		r.send(cmd)
		r.publish(ctx, proto.TypeDeviceUpdate, r.device.DeviceID, r.device)

	case proto.TypeUserStopped:
		r.send(proto.Envelope{MessageType: proto.TypeUserStopped})

	default:
		// announce/update/remove come from devices, including this one.
	}
}
