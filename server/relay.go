package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbocsi/devrelay/broker"
	"github.com/mbocsi/devrelay/proto"
)

// Relay translates between one local connection and its user's topic. All of its
// methods run on the owning connection's event loop.
type Relay struct {
	id       string // connection ID: topic subscriber key and envelope sender
	identity Identity
	topics   *broker.Topics
	send     func(proto.Envelope) // enqueue a frame on the local socket
	deliver  broker.Handler       // hands bus envelopes to the event loop
	timeout  time.Duration        // bound on each publish and subscribe
	metrics  *Metrics
	log      *slog.Logger

	subscribed bool
	cache      *DeviceCache      // user role
	device     proto.DeviceState // device role: mirror of the firmware's current object
}

type RelayOptions struct {
	ID             string
	Identity       Identity
	Topics         *broker.Topics
	Send           func(proto.Envelope)
	Deliver        broker.Handler
	PublishTimeout time.Duration
	Metrics        *Metrics
	Logger         *slog.Logger
}

func NewRelay(opts RelayOptions) *Relay {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Relay{
		id:       opts.ID,
		identity: opts.Identity,
		topics:   opts.Topics,
		send:     opts.Send,
		deliver:  opts.Deliver,
		timeout:  opts.PublishTimeout,
		metrics:  opts.Metrics,
		log:      opts.Logger,
	}
	switch opts.Identity.Role {
	case RoleUser:
		r.cache = NewDeviceCache()
	case RoleDevice:
		r.device = proto.DeviceState{
			DeviceID:   opts.Identity.DeviceID,
			DeviceName: opts.Identity.DeviceName,
			DeviceType: opts.Identity.DeviceType,
			Data:       map[string]any{},
		}
	}
	return r
}

func (r *Relay) Subscribed() bool {
	return r.subscribed
}

// Cache returns the device cache of a user-role relay, nil for devices.
func (r *Relay) Cache() *DeviceCache {
	return r.cache
}

// Device returns a copy of a device-role relay's current object.
func (r *Relay) Device() proto.DeviceState {
	return r.device.Clone()
}

// Open subscribes to the topic and publishes the role's handshake envelope:
// getDevices for users, deviceAnnounce for devices. It is a no-op once subscribed.
func (r *Relay) Open(ctx context.Context) error {
	if r.subscribed {
		return nil
	}
	topic := r.identity.Topic()
	joinCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		joinCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	if err := r.topics.Join(joinCtx, topic, r.id, r.deliver); err != nil {
		r.metrics.BusErrors.WithLabelValues("subscribe").Inc()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	r.subscribed = true

	switch r.identity.Role {
	case RoleUser:
		r.publish(ctx, proto.TypeGetDevices, "", nil)
	case RoleDevice:
		r.publish(ctx, proto.TypeDeviceAnnounce, r.device.DeviceID, r.device)
	}
	return nil
}

// Close leaves the topic and, when terminal is set, publishes the role's farewell:
// removeDevice for devices, userStopped for users. Publishing is best-effort.
func (r *Relay) Close(ctx context.Context, terminal bool) {
	if r.subscribed {
		released, err := r.topics.Leave(r.identity.Topic(), r.id)
		if err != nil {
			r.metrics.BusErrors.WithLabelValues("unsubscribe").Inc()
			r.log.Warn("Failed to unsubscribe topic", "topic", r.identity.Topic(), "error", err)
		}
		r.subscribed = false
		r.log.Debug("Left topic", "topic", r.identity.Topic(), "released", released)
	}
	if !terminal {
		return
	}
	switch r.identity.Role {
	case RoleDevice:
		r.publish(ctx, proto.TypeRemoveDevice, r.device.DeviceID, nil)
	case RoleUser:
		r.publish(ctx, proto.TypeUserStopped, "", nil)
	}
}

// publish sends an envelope to the topic. Failures are logged and dropped; they
// never close the connection.
func (r *Relay) publish(ctx context.Context, messageType, deviceID string, payload any) {
	env, err := proto.NewEnvelope(messageType, deviceID, payload)
	if err != nil {
		r.log.Error("Failed to build envelope", "type", messageType, "error", err)
		return
	}
	r.publishEnvelope(ctx, env)
}

func (r *Relay) publishEnvelope(ctx context.Context, env proto.Envelope) {
	env.Sender = r.id
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	if err := r.topics.Publish(ctx, r.identity.Topic(), env); err != nil {
		r.metrics.BusErrors.WithLabelValues("publish").Inc()
		r.log.Warn("Bus publish failed, dropping envelope", "type", env.MessageType, "deviceId", env.DeviceID, "error", err)
		return
	}
	r.metrics.Published.WithLabelValues(env.MessageType).Inc()
	r.log.Debug("Published", "type", env.MessageType, "deviceId", env.DeviceID, "size", len(env.Payload))
}

// pushDevices sends the whole cache to the user socket.
func (r *Relay) pushDevices() {
	env, err := proto.NewEnvelope(proto.TypeDeviceList, "", proto.DeviceListPayload{Devices: r.cache.Snapshot()})
	if err != nil {
		r.log.Error("Failed to encode device list", "error", err)
		return
	}
	r.send(env)
}
